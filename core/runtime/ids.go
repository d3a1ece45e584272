package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type correlationIDKey struct{}
type taskRefKey struct{}

// WithCorrelationID stores a correlation ID in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext retrieves the correlation ID from the context.
// Returns "" if not set.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTaskRef stores the reference of the task being executed in the context.
func WithTaskRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, taskRefKey{}, ref)
}

// TaskRefFromContext retrieves the task reference from the context.
func TaskRefFromContext(ctx context.Context) string {
	if ref, ok := ctx.Value(taskRefKey{}).(string); ok {
		return ref
	}
	return ""
}

// GenerateID produces a 16-character hex random ID using crypto/rand.
func GenerateID() string {
	return RandomHex(8)
}

// RandomHex returns 2*n hex characters read from crypto/rand.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
