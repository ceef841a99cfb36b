package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes the next fire time of a recurring task.
type Trigger interface {
	// Next returns the first fire time strictly after the given time.
	Next(after time.Time) time.Time
}

// ParseTrigger parses a trigger spec: either "@every <duration>" or a
// five-field cron expression (minute hour day-of-month month day-of-week).
// Intervals below a minute are rejected; the tick runs at minute granularity.
func ParseTrigger(spec string) (Trigger, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("trigger spec cannot be empty")
	}

	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval trigger %q: %w", spec, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("interval trigger %q below minute granularity", spec)
		}
		return intervalTrigger{interval: d}, nil
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron trigger %q: %w", spec, err)
	}
	return cronTrigger{sched: sched}, nil
}

// intervalTrigger fires on a fixed interval from the last fire time.
type intervalTrigger struct {
	interval time.Duration
}

func (t intervalTrigger) Next(after time.Time) time.Time {
	return after.Add(t.interval)
}

// cronTrigger wraps a parsed cron schedule. A spec that never matches
// (e.g. Feb 30) yields the zero time.
type cronTrigger struct {
	sched cron.Schedule
}

func (t cronTrigger) Next(after time.Time) time.Time {
	return t.sched.Next(after)
}
