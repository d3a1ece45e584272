package channels

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ConsoleSender writes outbound messages to a writer, one block per message.
type ConsoleSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSender creates a ConsoleSender writing to w.
func NewConsoleSender(w io.Writer) *ConsoleSender {
	return &ConsoleSender{w: w}
}

// Send implements Sender.
func (c *ConsoleSender) Send(_ context.Context, msg Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := "[" + msg.Channel
	if msg.ChatID != "" {
		prefix += ":" + msg.ChatID
	}
	if msg.TaskRef != "" {
		prefix += " " + msg.TaskRef
	}
	prefix += "]"

	body := msg.Text
	if msg.Report != "" {
		body = msg.Report
	}
	_, err := fmt.Fprintf(c.w, "%s %s\n", prefix, body)
	return err
}
