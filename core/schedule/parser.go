package schedule

import (
	"fmt"
	"strings"
	"time"
)

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseShorthand converts the compact notation accepted on the command line
// into a Spec. Supported formats:
//   - Aliases: @hourly, @daily, @weekly, @monthly
//   - Intervals: "every 30m", "@every 1h30m"
//   - Standard 5-field cron: "minute hour dom month dow"
//   - Delays: "in 2h", "+45m" (one-shot, relative to now)
//   - Timestamps: RFC3339, or "2006-01-02 15:04" interpreted in loc
//
// tz is attached to cron results only.
func ParseShorthand(expr string, now time.Time, loc *time.Location, tz string) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Spec{}, fmt.Errorf("empty schedule")
	}
	if loc == nil {
		loc = time.Local
	}

	switch expr {
	case "@hourly":
		return ParseShorthand("0 * * * *", now, loc, tz)
	case "@daily", "@midnight":
		return ParseShorthand("0 0 * * *", now, loc, tz)
	case "@weekly":
		return ParseShorthand("0 0 * * 0", now, loc, tz)
	case "@monthly":
		return ParseShorthand("0 0 1 * *", now, loc, tz)
	}

	lower := strings.ToLower(expr)
	for _, prefix := range []string{"@every ", "every "} {
		if strings.HasPrefix(lower, prefix) {
			durStr := strings.TrimSpace(expr[len(prefix):])
			dur, err := time.ParseDuration(durStr)
			if err != nil {
				return Spec{}, fmt.Errorf("invalid interval %q: %w", durStr, err)
			}
			return checked(Spec{Kind: KindEvery, EveryMs: dur.Milliseconds()})
		}
	}

	for _, prefix := range []string{"in ", "+"} {
		if strings.HasPrefix(lower, prefix) {
			durStr := strings.TrimSpace(expr[len(prefix):])
			dur, err := time.ParseDuration(durStr)
			if err != nil || dur <= 0 {
				return Spec{}, fmt.Errorf("invalid delay %q", durStr)
			}
			return checked(Spec{Kind: KindAt, AtMs: now.Add(dur).UnixMilli()})
		}
	}

	if at, ok := parseTimestamp(expr, loc); ok {
		if !at.After(now) {
			return Spec{}, fmt.Errorf("time %s is in the past", at.Format(time.RFC3339))
		}
		return checked(Spec{Kind: KindAt, AtMs: at.UnixMilli()})
	}

	if len(strings.Fields(expr)) == 5 {
		return checked(Spec{Kind: KindCron, Expr: expr, TZ: tz})
	}

	return Spec{}, fmt.Errorf("unrecognized schedule %q (try \"every 30m\", \"0 9 * * *\", \"in 2h\" or an ISO timestamp)", expr)
}

// ParseAt parses an absolute one-shot time: RFC3339, or a local layout
// interpreted in loc.
func ParseAt(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if t, ok := parseTimestamp(strings.TrimSpace(s), loc); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or 2006-01-02 15:04)", s)
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func checked(s Spec) (Spec, error) {
	if _, err := s.Compile(); err != nil {
		return Spec{}, err
	}
	return s, nil
}
