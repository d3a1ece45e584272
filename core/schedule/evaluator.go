package schedule

import "time"

// Evaluator computes next run times. Location is used for cron schedules
// that carry no timezone of their own; nil means time.Local.
type Evaluator struct {
	Location *time.Location
}

// Next returns the first run time strictly after now. anchor is the last
// scheduled slot (or the creation time) for every schedules and is ignored
// by the other kinds. The boolean is false when the schedule has no future
// occurrence.
func (e Evaluator) Next(s Schedule, now, anchor time.Time) (time.Time, bool) {
	switch sc := s.(type) {
	case Every:
		return nextEvery(sc.Interval, now, anchor), true
	case Cron:
		loc := sc.Location
		if loc == nil {
			loc = e.location()
		}
		next := sc.sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case At:
		return sc.Time, true
	}
	return time.Time{}, false
}

// NextMs is Next in epoch milliseconds, the unit persisted in job state.
// A nil result means there is no next run.
func (e Evaluator) NextMs(s Schedule, nowMs int64, anchorMs *int64) *int64 {
	var anchor time.Time
	if anchorMs != nil {
		anchor = time.UnixMilli(*anchorMs)
	}
	next, ok := e.Next(s, time.UnixMilli(nowMs), anchor)
	if !ok {
		return nil
	}
	ms := next.UnixMilli()
	return &ms
}

// Due reports whether a job whose next run is next should fire at now.
func Due(next, now time.Time) bool {
	return !next.After(now)
}

// DueMs is Due for persisted millisecond state. A nil next is never due.
func DueMs(nextMs *int64, nowMs int64) bool {
	return nextMs != nil && *nextMs <= nowMs
}

func (e Evaluator) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// nextEvery returns anchor + k*interval for the smallest k that lands after
// now. Slots missed while the process was paused are skipped rather than
// replayed, and the result never drifts by the lateness of a firing.
func nextEvery(interval time.Duration, now, anchor time.Time) time.Time {
	if anchor.IsZero() {
		return now.Add(interval)
	}
	next := anchor.Add(interval)
	if next.After(now) {
		return next
	}
	k := now.Sub(anchor)/interval + 1
	return anchor.Add(k * interval)
}
