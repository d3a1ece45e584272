// Package tasks is the registry of agent work: every tracked unit of work,
// its status machine, and the bounded history of finished tasks.
package tasks

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// Registry errors.
var (
	ErrNotFound          = errors.New("task not found")
	ErrTerminal          = errors.New("task already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidDelta      = errors.New("invalid task update")
	ErrDuplicate         = errors.New("task reference already exists")
)

// Origin identifies where a task's input came from and where its result
// goes back to.
type Origin struct {
	Channel    string `json:"channel"`
	ChatID     string `json:"chat_id"`
	SessionKey string `json:"session_key,omitempty"`
}

// IsZero reports whether no origin was recorded.
func (o Origin) IsZero() bool { return o.Channel == "" && o.ChatID == "" }

func (o Origin) String() string {
	if o.IsZero() {
		return ""
	}
	return o.Channel + ":" + o.ChatID
}

// ParseOrigin parses the "channel:chat_id" form produced by String.
func ParseOrigin(s string) Origin {
	channel, chat, _ := strings.Cut(s, ":")
	return Origin{Channel: channel, ChatID: chat}
}

// Task is a snapshot of one tracked unit of agent work.
type Task struct {
	Reference              string     `json:"reference"`
	Label                  string     `json:"label"`
	Status                 Status     `json:"status"`
	Iteration              int        `json:"iteration"`
	MaxIterations          int        `json:"max_iterations,omitempty"`
	CurrentAction          string     `json:"current_action,omitempty"`
	RecentActions          []string   `json:"recent_actions,omitempty"`
	Description            string     `json:"description,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	CompletedAt            *time.Time `json:"completed_at"`
	Result                 string     `json:"result,omitempty"`
	Error                  string     `json:"error,omitempty"`
	CompletionReference    string     `json:"completion_reference,omitempty"`
	ProgressUpdatesEnabled bool       `json:"progress_updates_enabled"`
	Promoted               bool       `json:"promoted,omitempty"`
	Origin                 Origin     `json:"origin"`
}

// Delta is a partial update. Nil fields are left unchanged.
type Delta struct {
	Status                 *Status
	Iteration              *int
	CurrentAction          *string
	ActionCompleted        *string // appended to RecentActions
	Label                  *string
	MaxIterations          *int
	Result                 *string
	Error                  *string
	ProgressUpdatesEnabled *bool
	Promoted               *bool
}

// MaxRecentActions bounds Task.RecentActions; older entries are dropped.
const MaxRecentActions = 10

// Ptr returns a pointer to v, for building deltas.
func Ptr[T any](v T) *T { return &v }

var transitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:    true,
		StatusCancelling: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusRunning: {
		StatusCancelling: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	// Natural completion may still win the race against a cancel request.
	StatusCancelling: {
		StatusCancelled: true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from == to && !from.Terminal() {
		return true
	}
	return transitions[from][to]
}
