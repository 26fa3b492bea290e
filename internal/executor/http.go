package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const maxResponseBody = 4 << 20

// HTTPRunner runs a stage by POSTing the stage input to an HTTP endpoint.
// A 2xx response body is the stage payload. 408, 429 and 5xx responses are
// transient; other 4xx responses and unparseable bodies are permanent.
type HTTPRunner struct {
	client *http.Client
	url    string
}

// NewHTTPRunner creates a runner for the given stage endpoint.
func NewHTTPRunner(url string, client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRunner{client: client, url: strings.TrimRight(url, "/")}
}

// RunStage calls the stage endpoint.
func (r *HTTPRunner) RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	if r.url == "" {
		return nil, Permanent("http runner for %s has no url", in.Stage)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, Permanent("marshaling stage input: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", executionName(in))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading stage response: %w", err)
	}

	if resp.StatusCode >= 400 {
		detail := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if classifyHTTPStatus(resp.StatusCode) == types.FailurePermanent {
			return nil, Permanent("%s", detail)
		}
		return nil, Transient("%s", detail)
	}

	var payload map[string]interface{}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, Permanent("stage output invalid: %v", err)
	}
	return payload, nil
}

func classifyHTTPStatus(code int) types.FailureCategory {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return types.FailureTransient
	case code >= 400 && code < 500:
		return types.FailurePermanent
	}
	return types.FailureTransient
}
