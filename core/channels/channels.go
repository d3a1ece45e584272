// Package channels defines how finished work leaves the orchestrator: a
// Sender per chat surface and a Router that picks one by name.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrChannelUnavailable is returned when no sender is registered for a
// channel or the sender is disabled.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Outbound is one message to a chat surface.
type Outbound struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
	// Report carries the full text when Text is a summary of a long result.
	Report  string `json:"report,omitempty"`
	TaskRef string `json:"task_ref,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Outbound kinds.
const (
	KindResult   = "result"
	KindFailure  = "failure"
	KindCancel   = "cancelled"
	KindProgress = "progress"
)

// Sender delivers outbound messages to one chat surface.
type Sender interface {
	Send(ctx context.Context, msg Outbound) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Outbound) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Outbound) error { return f(ctx, msg) }

// Router dispatches outbound messages to the sender registered for their
// channel. It is itself a Sender.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register installs s for channel name, replacing any previous sender.
func (r *Router) Register(name string, s Sender) {
	r.mu.Lock()
	r.senders[name] = s
	r.mu.Unlock()
}

// Channels returns the registered channel names, sorted.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for n := range r.senders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, msg Outbound) error {
	r.mu.RLock()
	s, ok := r.senders[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelUnavailable, msg.Channel)
	}
	if err := s.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending to %s: %w", msg.Channel, err)
	}
	return nil
}
