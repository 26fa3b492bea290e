// Package artifact resolves model artifact references against object storage.
// Stage runners read artifact content themselves; the executor only checks that
// the referenced object exists and is well-formed before dispatching.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// Sentinel errors returned by accessors. ErrNotFound, ErrMalformed and
// ErrAccessDenied are permanent; ErrUnavailable is transient.
var (
	ErrNotFound     = errors.New("artifact not found")
	ErrMalformed    = errors.New("artifact malformed")
	ErrAccessDenied = errors.New("artifact access denied")
	ErrUnavailable  = errors.New("artifact store unavailable")
)

// IsPermanent reports whether a fetch error will not go away on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrAccessDenied)
}

// Handle describes a resolved artifact object.
type Handle struct {
	ArtifactID string `json:"artifactId"`
	Version    string `json:"version"`
	Location   string `json:"location"`
	Bucket     string `json:"bucket,omitempty"`
	Key        string `json:"key,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ETag       string `json:"etag,omitempty"`
}

// Accessor resolves an artifact reference to a handle.
type Accessor interface {
	Fetch(ctx context.Context, a types.ModelArtifact) (Handle, error)
}

// Validate checks the artifact identity fields.
func Validate(a types.ModelArtifact) error {
	if strings.TrimSpace(a.ArtifactID) == "" {
		return fmt.Errorf("%w: artifactId is required", ErrMalformed)
	}
	if strings.TrimSpace(a.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrMalformed)
	}
	return nil
}

// Locate returns the bucket and key of an artifact. An explicit s3:// location
// wins; a bare key is read from defaultBucket; with no location the key is
// <prefix>/<artifactId>/<version>.
func Locate(a types.ModelArtifact, defaultBucket, prefix string) (bucket, key string, err error) {
	if err := Validate(a); err != nil {
		return "", "", err
	}
	loc := strings.TrimSpace(a.Location)
	switch {
	case loc == "":
		bucket, key = defaultBucket, path.Join(prefix, a.ArtifactID, a.Version)
	case strings.HasPrefix(loc, "s3://"):
		rest := strings.TrimPrefix(loc, "s3://")
		i := strings.Index(rest, "/")
		if i <= 0 || i == len(rest)-1 {
			return "", "", fmt.Errorf("%w: location %q has no bucket or key", ErrMalformed, loc)
		}
		bucket, key = rest[:i], rest[i+1:]
	case strings.Contains(loc, "://"):
		return "", "", fmt.Errorf("%w: unsupported location scheme in %q", ErrMalformed, loc)
	default:
		bucket, key = defaultBucket, strings.TrimPrefix(loc, "/")
	}
	if bucket == "" {
		return "", "", fmt.Errorf("%w: no bucket for artifact %s@%s", ErrMalformed, a.ArtifactID, a.Version)
	}
	return bucket, key, nil
}

// Passthrough accepts any well-formed reference without touching storage.
type Passthrough struct{}

// Fetch validates the identity and echoes it back as a handle.
func (Passthrough) Fetch(_ context.Context, a types.ModelArtifact) (Handle, error) {
	if err := Validate(a); err != nil {
		return Handle{}, err
	}
	return Handle{ArtifactID: a.ArtifactID, Version: a.Version, Location: a.Location}, nil
}

func handleFor(a types.ModelArtifact, bucket, key string, size int64, etag string) (Handle, error) {
	if size == 0 {
		return Handle{}, fmt.Errorf("%w: s3://%s/%s is empty", ErrMalformed, bucket, key)
	}
	return Handle{
		ArtifactID: a.ArtifactID,
		Version:    a.Version,
		Location:   "s3://" + bucket + "/" + key,
		Bucket:     bucket,
		Key:        key,
		Size:       size,
		ETag:       strings.Trim(etag, `"`),
	}, nil
}
