package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyph3rasi/kyber/core/agent"
)

// HTTPAgent performs agent turns by POSTing the step request to an external
// endpoint that answers with an agent.WireResult.
type HTTPAgent struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAgent creates an HTTPAgent. timeout bounds a single turn.
func NewHTTPAgent(endpoint string, timeout time.Duration) *HTTPAgent {
	return &HTTPAgent{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Step implements agent.Agent.
func (a *HTTPAgent) Step(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding step request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building step request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling agent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	var wire agent.WireResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding agent result: %w", err)
	}
	return wire.Decode()
}
