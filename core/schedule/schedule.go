// Package schedule evaluates job schedules: it turns the wire form of a
// schedule into a typed value and computes next run times against a clock.
package schedule

import (
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Kind names a schedule variant on the wire.
type Kind string

const (
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
	KindAt    Kind = "at"
)

// MinInterval is the shortest accepted interval for an every schedule.
const MinInterval = time.Second

// Spec is the persisted/JSON form of a schedule. Exactly one variant's
// fields may be populated, matching Kind.
type Spec struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	EveryMs int64  `json:"everyMs,omitempty" yaml:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty" yaml:"expr,omitempty"`
	TZ      string `json:"tz,omitempty" yaml:"tz,omitempty"`
	AtMs    int64  `json:"atMs,omitempty" yaml:"atMs,omitempty"`
}

// Schedule is a compiled schedule. The concrete type is one of Every, Cron
// or At.
type Schedule interface {
	Kind() Kind
	Spec() Spec
	isSchedule()
}

// Every fires at a fixed interval anchored on the previous scheduled slot.
type Every struct {
	Interval time.Duration
}

// Cron fires on a 5-field cron expression, optionally in a fixed location.
type Cron struct {
	Expr     string
	TZ       string
	Location *time.Location // nil: evaluator default

	sched cronv3.Schedule
}

// At fires once at an absolute time.
type At struct {
	Time time.Time
}

func (Every) Kind() Kind { return KindEvery }
func (Cron) Kind() Kind  { return KindCron }
func (At) Kind() Kind    { return KindAt }

func (Every) isSchedule() {}
func (Cron) isSchedule()  {}
func (At) isSchedule()    {}

func (e Every) Spec() Spec { return Spec{Kind: KindEvery, EveryMs: e.Interval.Milliseconds()} }
func (c Cron) Spec() Spec  { return Spec{Kind: KindCron, Expr: c.Expr, TZ: c.TZ} }
func (a At) Spec() Spec    { return Spec{Kind: KindAt, AtMs: a.Time.UnixMilli()} }

var cronParser = cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// Compile validates the spec and returns the typed schedule.
func (s Spec) Compile() (Schedule, error) {
	switch s.Kind {
	case KindEvery:
		if s.Expr != "" || s.TZ != "" || s.AtMs != 0 {
			return nil, fmt.Errorf("every schedule must only set everyMs")
		}
		iv := time.Duration(s.EveryMs) * time.Millisecond
		if iv < MinInterval {
			return nil, fmt.Errorf("everyMs must be at least %d, got %d", MinInterval.Milliseconds(), s.EveryMs)
		}
		return Every{Interval: iv}, nil

	case KindCron:
		if s.EveryMs != 0 || s.AtMs != 0 {
			return nil, fmt.Errorf("cron schedule must only set expr and tz")
		}
		return compileCron(s.Expr, s.TZ)

	case KindAt:
		if s.EveryMs != 0 || s.Expr != "" || s.TZ != "" {
			return nil, fmt.Errorf("at schedule must only set atMs")
		}
		if s.AtMs <= 0 {
			return nil, fmt.Errorf("atMs is required for at schedules")
		}
		return At{Time: time.UnixMilli(s.AtMs)}, nil

	case "":
		return nil, fmt.Errorf("schedule kind is required")
	default:
		return nil, fmt.Errorf("unknown schedule kind %q (want every, cron or at)", s.Kind)
	}
}

func compileCron(expr, tz string) (Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Cron{}, fmt.Errorf("expr is required for cron schedules")
	}
	if strings.HasPrefix(expr, "@every") {
		return Cron{}, fmt.Errorf("use an every schedule instead of %q", expr)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return Cron{}, fmt.Errorf("set the timezone with tz, not inside the expression")
	}
	if !strings.HasPrefix(expr, "@") {
		if n := len(strings.Fields(expr)); n != 5 {
			return Cron{}, fmt.Errorf("expected 5 fields, got %d in %q", n, expr)
		}
	}

	c := Cron{Expr: expr, TZ: tz}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Cron{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		c.Location = loc
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Cron{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	c.sched = sched

	// Expressions like "0 0 30 2 *" parse but never match.
	probe := time.Now()
	if c.Location != nil {
		probe = probe.In(c.Location)
	}
	if sched.Next(probe).IsZero() {
		return Cron{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return c, nil
}

// String renders the spec for listings.
func (s Spec) String() string {
	switch s.Kind {
	case KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case KindCron:
		if s.TZ != "" {
			return s.Expr + " (" + s.TZ + ")"
		}
		return s.Expr
	case KindAt:
		return "at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	}
	return string(s.Kind)
}
