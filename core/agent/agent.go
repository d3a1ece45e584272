// Package agent defines the contract between the orchestration core and the
// language-model agent turn it drives. The agent itself lives outside this
// module; the core only sees typed step results.
package agent

import (
	"context"
	"encoding/json"
)

// Message roles in a step transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is one entry of the transcript handed to the agent.
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// StepRequest is the input of a single agent turn.
type StepRequest struct {
	TaskRef       string    `json:"task_ref"`
	Label         string    `json:"label,omitempty"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	Messages      []Message `json:"messages"`
	// WrapUp asks the agent to converge on an answer within the remaining
	// budget.
	WrapUp bool `json:"wrap_up,omitempty"`
	// Final demands a reply now; no further tool calls will be executed.
	Final bool `json:"final,omitempty"`
}

// StepResult is what an agent turn produced. The concrete type is one of
// Reply, ToolCall, Continue or BackgroundIntent.
type StepResult interface {
	stepResult()
}

// Reply is a final answer.
type Reply struct {
	Text string
}

// ToolCall asks the runner to execute a tool and feed the output back.
type ToolCall struct {
	Name string
	Args json.RawMessage
}

// Continue asks for another step without a tool call.
type Continue struct {
	Note string
}

// BackgroundIntent declares that the work is multi-step and should be
// tracked as a background task. Zero MaxIterations keeps the current budget.
type BackgroundIntent struct {
	Label         string
	MaxIterations int
}

func (Reply) stepResult()            {}
func (ToolCall) stepResult()         {}
func (Continue) stepResult()         {}
func (BackgroundIntent) stepResult() {}

// Agent performs one turn over the transcript.
type Agent interface {
	Step(ctx context.Context, req StepRequest) (StepResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, req StepRequest) (StepResult, error)

// Step calls f.
func (f AgentFunc) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	return f(ctx, req)
}

// ToolExecutor runs tools requested by the agent.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, arguments json.RawMessage) (string, error)
}
