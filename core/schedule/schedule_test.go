package schedule

import (
	"testing"
	"time"
)

func TestCompile_Valid(t *testing.T) {
	tests := []Spec{
		{Kind: KindEvery, EveryMs: 300000},
		{Kind: KindEvery, EveryMs: 1000},
		{Kind: KindCron, Expr: "* * * * *"},
		{Kind: KindCron, Expr: "*/15 * * * *"},
		{Kind: KindCron, Expr: "30 8 * * 1-5"},
		{Kind: KindCron, Expr: "0 9,17 * * *"},
		{Kind: KindCron, Expr: "5/15 * * * *"},
		{Kind: KindCron, Expr: "0 9 * * *", TZ: "UTC"},
		{Kind: KindCron, Expr: "@daily"},
		{Kind: KindAt, AtMs: 1767225600000},
	}

	for _, tt := range tests {
		t.Run(tt.String(), func(t *testing.T) {
			s, err := tt.Compile()
			if err != nil {
				t.Fatalf("Compile(%+v) returned error: %v", tt, err)
			}
			if s.Kind() != tt.Kind {
				t.Errorf("kind = %q, want %q", s.Kind(), tt.Kind)
			}
			if s.Spec() != tt {
				t.Errorf("round trip = %+v, want %+v", s.Spec(), tt)
			}
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"missing kind", Spec{EveryMs: 1000}},
		{"unknown kind", Spec{Kind: "weekly"}},
		{"every zero", Spec{Kind: KindEvery}},
		{"every too short", Spec{Kind: KindEvery, EveryMs: 10}},
		{"every with expr", Spec{Kind: KindEvery, EveryMs: 60000, Expr: "* * * * *"}},
		{"cron empty", Spec{Kind: KindCron}},
		{"cron with every", Spec{Kind: KindCron, Expr: "* * * * *", EveryMs: 1000}},
		{"cron with at", Spec{Kind: KindCron, Expr: "* * * * *", AtMs: 1}},
		{"cron three fields", Spec{Kind: KindCron, Expr: "* * *"}},
		{"cron six fields", Spec{Kind: KindCron, Expr: "* * * * * *"}},
		{"cron minute out of range", Spec{Kind: KindCron, Expr: "60 * * * *"}},
		{"cron hour out of range", Spec{Kind: KindCron, Expr: "* 24 * * *"}},
		{"cron dom zero", Spec{Kind: KindCron, Expr: "* * 0 * *"}},
		{"cron month 13", Spec{Kind: KindCron, Expr: "* * * 13 *"}},
		{"cron garbage", Spec{Kind: KindCron, Expr: "abc * * * *"}},
		{"cron reversed range", Spec{Kind: KindCron, Expr: "1-0 * * * *"}},
		{"cron at-every", Spec{Kind: KindCron, Expr: "@every 5m"}},
		{"cron never fires", Spec{Kind: KindCron, Expr: "0 0 30 2 *"}},
		{"cron bad tz", Spec{Kind: KindCron, Expr: "0 9 * * *", TZ: "Mars/Olympus"}},
		{"at zero", Spec{Kind: KindAt}},
		{"at with tz", Spec{Kind: KindAt, AtMs: 1, TZ: "UTC"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.spec.Compile(); err == nil {
				t.Fatalf("Compile(%+v) expected error, got nil", tt.spec)
			}
		})
	}
}

func mustCompile(t *testing.T, s Spec) Schedule {
	t.Helper()
	sc, err := s.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return sc
}

func TestCron_Next(t *testing.T) {
	loc := time.UTC
	ev := Evaluator{Location: loc}

	tests := []struct {
		name     string
		expr     string
		after    time.Time
		expected time.Time
	}{
		{
			name:     "every minute from top of hour",
			expr:     "* * * * *",
			after:    time.Date(2026, 1, 1, 0, 0, 0, 0, loc),
			expected: time.Date(2026, 1, 1, 0, 1, 0, 0, loc),
		},
		{
			name:     "hourly",
			expr:     "0 * * * *",
			after:    time.Date(2026, 1, 1, 0, 30, 0, 0, loc),
			expected: time.Date(2026, 1, 1, 1, 0, 0, 0, loc),
		},
		{
			name:     "every 15 minutes",
			expr:     "*/15 * * * *",
			after:    time.Date(2026, 1, 1, 0, 10, 0, 0, loc),
			expected: time.Date(2026, 1, 1, 0, 15, 0, 0, loc),
		},
		{
			name:     "weekdays at 8:30",
			expr:     "30 8 * * 1-5",
			after:    time.Date(2026, 1, 3, 9, 0, 0, 0, loc),  // Saturday
			expected: time.Date(2026, 1, 5, 8, 30, 0, 0, loc), // Monday
		},
		{
			name:     "month boundary",
			expr:     "0 0 1 * *",
			after:    time.Date(2026, 1, 15, 0, 0, 0, 0, loc),
			expected: time.Date(2026, 2, 1, 0, 0, 0, 0, loc),
		},
		{
			name:     "year boundary",
			expr:     "0 0 1 1 *",
			after:    time.Date(2026, 6, 1, 0, 0, 0, 0, loc),
			expected: time.Date(2027, 1, 1, 0, 0, 0, 0, loc),
		},
		{
			// Both day fields restricted: either may match.
			name:     "dom or dow",
			expr:     "0 0 15 * 1",
			after:    time.Date(2026, 1, 1, 0, 0, 0, 0, loc), // Thursday
			expected: time.Date(2026, 1, 5, 0, 0, 0, 0, loc), // Monday
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustCompile(t, Spec{Kind: KindCron, Expr: tt.expr})
			got, ok := ev.Next(s, tt.after, time.Time{})
			if !ok {
				t.Fatal("expected a next run")
			}
			if !got.Equal(tt.expected) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.expected)
			}
		})
	}
}

func TestCron_DailyNineLocal(t *testing.T) {
	local := time.FixedZone("local", -5*60*60)
	ev := Evaluator{Location: local}
	s := mustCompile(t, Spec{Kind: KindCron, Expr: "0 9 * * *"})

	got, _ := ev.Next(s, time.Date(2026, 1, 1, 8, 0, 0, 0, local), time.Time{})
	if want := time.Date(2026, 1, 1, 9, 0, 0, 0, local); !got.Equal(want) {
		t.Errorf("at 08:00 next = %v, want %v", got, want)
	}

	got, _ = ev.Next(s, time.Date(2026, 1, 1, 9, 0, 1, 0, local), time.Time{})
	if want := time.Date(2026, 1, 2, 9, 0, 0, 0, local); !got.Equal(want) {
		t.Errorf("at 09:00:01 next = %v, want %v", got, want)
	}
}

func TestCron_JobTimezoneWins(t *testing.T) {
	ev := Evaluator{Location: time.FixedZone("local", 3*60*60)}
	s := mustCompile(t, Spec{Kind: KindCron, Expr: "0 9 * * *", TZ: "UTC"})

	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	got, _ := ev.Next(s, now, time.Time{})
	if want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestEvery_DriftFree(t *testing.T) {
	ev := Evaluator{}
	s := mustCompile(t, Spec{Kind: KindEvery, EveryMs: 300000})
	t0 := int64(1767225600000)

	next := ev.NextMs(s, t0, &t0)
	if next == nil || *next != t0+300000 {
		t.Fatalf("created next = %v, want %d", next, t0+300000)
	}

	// Fired on time.
	slot := *next
	next = ev.NextMs(s, slot, &slot)
	if *next != t0+600000 {
		t.Errorf("after on-time fire next = %d, want %d", *next, t0+600000)
	}

	// Fired 40s late: still anchored on the slot.
	next = ev.NextMs(s, slot+40000, &slot)
	if *next != t0+600000 {
		t.Errorf("after late fire next = %d, want %d", *next, t0+600000)
	}
}

func TestEvery_SkipsMissedSlots(t *testing.T) {
	ev := Evaluator{}
	s := mustCompile(t, Spec{Kind: KindEvery, EveryMs: 60000})
	anchor := int64(1_000_000)

	// Paused for three intervals.
	now := anchor + 3*60000
	next := ev.NextMs(s, now, &anchor)
	if *next != anchor+4*60000 {
		t.Errorf("next = %d, want %d", *next, anchor+4*60000)
	}
	if DueMs(next, now) {
		t.Error("next slot must be in the future")
	}
}

func TestEvery_NoAnchor(t *testing.T) {
	ev := Evaluator{}
	s := mustCompile(t, Spec{Kind: KindEvery, EveryMs: 5000})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, _ := ev.Next(s, now, time.Time{})
	if !got.Equal(now.Add(5 * time.Second)) {
		t.Errorf("next = %v", got)
	}
}

func TestAt_Next(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := mustCompile(t, Spec{Kind: KindAt, AtMs: at.UnixMilli()})
	got, ok := Evaluator{}.Next(s, at.Add(time.Hour), time.Time{})
	if !ok || !got.Equal(at) {
		t.Errorf("next = %v, %v; want %v", got, ok, at)
	}
	if !Due(got, at.Add(time.Hour)) {
		t.Error("past at schedule should be due")
	}
}

func TestDueMs(t *testing.T) {
	ten := int64(10)
	if DueMs(nil, 100) {
		t.Error("nil next must never be due")
	}
	if !DueMs(&ten, 10) {
		t.Error("next == now should be due")
	}
	if DueMs(&ten, 9) {
		t.Error("future next should not be due")
	}
}
