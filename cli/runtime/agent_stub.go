package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cyph3rasi/kyber/core/agent"
)

// StubAgent fails every turn with an explanation. It is used when no agent
// endpoint is configured, so tasks fail visibly instead of hanging.
type StubAgent struct {
	reason string // optional: why the real agent could not be created
}

// NewStubAgent creates a StubAgent.
func NewStubAgent(reason string) *StubAgent {
	return &StubAgent{reason: reason}
}

func (s *StubAgent) errorMsg() string {
	msg := "no agent available"
	if s.reason != "" {
		return msg + ": " + s.reason
	}
	return msg + ": set agent.endpoint in kyber.yaml, or agent.mock for a local echo agent"
}

// Step implements agent.Agent.
func (s *StubAgent) Step(_ context.Context, _ agent.StepRequest) (agent.StepResult, error) {
	return nil, fmt.Errorf("%s", s.errorMsg())
}

// MockAgent is a deterministic local agent for trying the daemon without a
// model. Plain input is echoed back in one step. Input starting with
// "background " declares background intent and then works for Steps turns,
// waiting Delay before each.
type MockAgent struct {
	Steps int
	Delay time.Duration
}

const mockBackgroundPrefix = "background "

// Step implements agent.Agent.
func (m *MockAgent) Step(ctx context.Context, req agent.StepRequest) (agent.StepResult, error) {
	input := ""
	if len(req.Messages) > 0 {
		input = strings.TrimSpace(req.Messages[0].Content)
	}
	work, background := strings.CutPrefix(input, mockBackgroundPrefix)
	if !background {
		return agent.Reply{Text: "echo: " + input}, nil
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	steps := m.Steps
	if steps <= 0 {
		steps = 3
	}
	switch {
	case req.Final:
		return agent.Reply{Text: fmt.Sprintf("partial result for %q after %d steps", work, req.Iteration-1)}, nil
	case req.Iteration == 1:
		return agent.BackgroundIntent{Label: work}, nil
	case req.Iteration <= steps:
		return agent.Continue{Note: fmt.Sprintf("working on %s", work)}, nil
	default:
		return agent.Reply{Text: "done: " + work}, nil
	}
}
