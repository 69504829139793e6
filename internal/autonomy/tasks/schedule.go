package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

var (
	// ErrValidation marks caller mistakes (bad schedule, empty prompt, ...).
	ErrValidation = errors.New("invalid task")
	// ErrSkipRun is returned by a prompt hook when a firing has nothing to do.
	ErrSkipRun = errors.New("run skipped")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

var cronParser = robcron.NewParser(robcron.SecondOptional | robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)

// ParseCron accepts standard 5-field expressions, an optional leading seconds
// field, and @descriptors.
func ParseCron(expr string) (robcron.Schedule, error) {
	text := strings.TrimSpace(expr)
	if text == "" {
		return nil, invalid("cron expression is empty")
	}
	sched, err := cronParser.Parse(text)
	if err != nil {
		return nil, invalid("parse cron expr %q: %v", text, err)
	}
	return sched, nil
}

// Resolve converts the input form into a stored Schedule.
func (in ScheduleInput) Resolve() (Schedule, error) {
	set := 0
	if in.IntervalMs != nil {
		set++
	}
	if in.RunAt != nil {
		set++
	}
	if in.Cron != nil {
		set++
	}
	if set != 1 {
		return Schedule{}, invalid("schedule needs exactly one of interval_ms, run_at, cron (got %d)", set)
	}
	switch {
	case in.IntervalMs != nil:
		if *in.IntervalMs <= 0 {
			return Schedule{}, invalid("interval_ms must be > 0")
		}
		return Schedule{Kind: KindInterval, IntervalMs: *in.IntervalMs}, nil
	case in.RunAt != nil:
		if in.RunAt.IsZero() {
			return Schedule{}, invalid("run_at is empty")
		}
		at := in.RunAt.UTC()
		return Schedule{Kind: KindOnce, RunAt: &at}, nil
	default:
		expr := strings.TrimSpace(*in.Cron)
		if _, err := ParseCron(expr); err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindCron, Expr: expr}, nil
	}
}

func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMs <= 0 {
			return invalid("interval_ms must be > 0")
		}
	case KindOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return invalid("run_at is required for once")
		}
	case KindCron:
		if _, err := ParseCron(s.Expr); err != nil {
			return err
		}
	default:
		return invalid("unknown schedule kind %q", s.Kind)
	}
	return nil
}

func ValidateTask(t Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return invalid("id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(t.Prompt) == "" && !t.System {
		return invalid("prompt is required")
	}
	if t.MaxTurns < 0 {
		return invalid("max_turns must be >= 0")
	}
	switch t.NotifyMode {
	case NotifyAuto, NotifyNever:
	default:
		return invalid("notify_mode must be auto or never")
	}
	return ValidateSchedule(t.Schedule)
}

func ParseNotifyMode(raw string) (NotifyMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(NotifyAuto):
		return NotifyAuto, nil
	case string(NotifyNever):
		return NotifyNever, nil
	default:
		return "", invalid("notify_mode must be auto or never")
	}
}

// NextDelay reports how long to wait from now until the schedule's next fire.
// ok is false when the schedule will never fire again.
func NextDelay(s Schedule, now time.Time, loc *time.Location) (time.Duration, bool) {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMs <= 0 {
			return 0, false
		}
		return time.Duration(s.IntervalMs) * time.Millisecond, true
	case KindOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return 0, false
		}
		d := s.RunAt.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	case KindCron:
		sched, err := ParseCron(s.Expr)
		if err != nil {
			return 0, false
		}
		if loc == nil {
			loc = time.Local
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return 0, false
		}
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	default:
		return 0, false
	}
}

func LoadLocation(raw string) (*time.Location, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}

// ParseTimeInLocation accepts RFC3339 or a handful of local layouts.
func ParseTimeInLocation(raw string, loc *time.Location) (time.Time, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, errors.New("time is empty")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: expected RFC3339 or local formats like 2006-01-02 15:04", text)
}
