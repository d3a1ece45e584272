package agent

import (
	"encoding/json"
	"fmt"
)

// Wire result types.
const (
	TypeReply      = "reply"
	TypeToolCall   = "tool_call"
	TypeContinue   = "continue"
	TypeBackground = "background"
)

// WireResult is the JSON envelope of a StepResult, used by remote agents.
type WireResult struct {
	Type          string          `json:"type"`
	Text          string          `json:"text,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Note          string          `json:"note,omitempty"`
	Label         string          `json:"label,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty"`
}

// Decode converts the envelope to a typed result.
func (w WireResult) Decode() (StepResult, error) {
	switch w.Type {
	case TypeReply:
		return Reply{Text: w.Text}, nil
	case TypeToolCall:
		if w.Tool == "" {
			return nil, fmt.Errorf("tool_call result without tool name")
		}
		return ToolCall{Name: w.Tool, Args: w.Args}, nil
	case TypeContinue:
		return Continue{Note: w.Note}, nil
	case TypeBackground:
		if w.MaxIterations < 0 {
			return nil, fmt.Errorf("background result with negative max_iterations")
		}
		return BackgroundIntent{Label: w.Label, MaxIterations: w.MaxIterations}, nil
	case "":
		return nil, fmt.Errorf("step result without type")
	default:
		return nil, fmt.Errorf("unknown step result type %q", w.Type)
	}
}

// Encode converts a typed result to its envelope.
func Encode(r StepResult) WireResult {
	switch v := r.(type) {
	case Reply:
		return WireResult{Type: TypeReply, Text: v.Text}
	case ToolCall:
		return WireResult{Type: TypeToolCall, Tool: v.Name, Args: v.Args}
	case Continue:
		return WireResult{Type: TypeContinue, Note: v.Note}
	case BackgroundIntent:
		return WireResult{Type: TypeBackground, Label: v.Label, MaxIterations: v.MaxIterations}
	}
	return WireResult{}
}
