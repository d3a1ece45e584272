package dispatch

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupeTTL is how long an idempotency key is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// Deduper claims idempotency keys. Claim stores ref under key when the key
// is free and reports claimed=true; otherwise it returns the reference that
// holds the key.
type Deduper interface {
	Claim(ctx context.Context, key, ref string) (existing string, claimed bool, err error)
}

type claim struct {
	ref     string
	expires time.Time
}

// MemoryDeduper is an in-process Deduper with per-key expiry.
type MemoryDeduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]claim
	now    func() time.Time
}

// NewMemoryDeduper creates a MemoryDeduper. ttl <= 0 uses DefaultDedupeTTL.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{ttl: ttl, claims: make(map[string]claim), now: time.Now}
}

// Claim implements Deduper.
func (m *MemoryDeduper) Claim(_ context.Context, key, ref string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.claims[key]; ok {
		if now.Before(c.expires) {
			return c.ref, false, nil
		}
		delete(m.claims, key)
	}
	if len(m.claims) > 0 && len(m.claims)%256 == 0 {
		m.sweep(now)
	}
	m.claims[key] = claim{ref: ref, expires: now.Add(m.ttl)}
	return ref, true, nil
}

func (m *MemoryDeduper) sweep(now time.Time) {
	for k, c := range m.claims {
		if !now.Before(c.expires) {
			delete(m.claims, k)
		}
	}
}
