package tasks

// ring is a fixed-capacity FIFO of finished tasks. push is O(1) and returns
// the entry it evicted, if any.
type ring struct {
	buf   []*Task
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]*Task, capacity)}
}

func (r *ring) push(t *Task) *Task {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = t
		r.n++
		return nil
	}
	evicted := r.buf[r.start]
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
	return evicted
}

// newestFirst copies up to limit entries, most recent first. limit <= 0
// returns everything.
func (r *ring) newestFirst(limit int) []Task {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Task, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.start + r.n - 1 - i) % len(r.buf)
		out = append(out, *r.buf[idx])
	}
	return out
}

func (r *ring) len() int { return r.n }
