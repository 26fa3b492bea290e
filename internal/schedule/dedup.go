package schedule

import (
	"strings"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// DedupKey returns the key that maps a run request to at most one run.
func DedupKey(req types.RunRequest) string {
	return req.DedupKey()
}

// NormalizeRequest trims the identifiers that make up the dedup key.
func NormalizeRequest(req types.RunRequest) types.RunRequest {
	req.Artifact.ArtifactID = strings.TrimSpace(req.Artifact.ArtifactID)
	req.Artifact.Version = strings.TrimSpace(req.Artifact.Version)
	req.Artifact.Location = strings.TrimSpace(req.Artifact.Location)
	req.IdempotencyToken = strings.TrimSpace(req.IdempotencyToken)
	return req
}
