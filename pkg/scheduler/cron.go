package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field syntax: minute, hour, day of
// month, month, day of week, with names, ranges, steps and comma lists.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ToCron expands interval sugar into an equivalent cron expression.
// Recognized forms: "daily" (09:00), "hourly", "weekly" (Monday 09:00),
// "every Nm" and "every Nh". Anything already shaped like a 5-field
// expression is validated and returned unchanged.
func ToCron(schedule string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(schedule))

	switch s {
	case "":
		return "", fmt.Errorf("schedule is empty")
	case "daily":
		return "0 9 * * *", nil
	case "hourly":
		return "0 * * * *", nil
	case "weekly":
		return "0 9 * * 1", nil
	}

	if rest, ok := strings.CutPrefix(s, "every "); ok {
		return expandEvery(rest)
	}

	if _, err := cronParser.Parse(schedule); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return schedule, nil
}

// expandEvery turns "30m" or "2h" into a step expression. Step values
// outside the target field's range are rejected rather than silently
// wrapped.
func expandEvery(interval string) (string, error) {
	unit := interval[len(interval)-1:]
	n, err := strconv.Atoi(strings.TrimSuffix(interval, unit))
	if err != nil {
		return "", fmt.Errorf("invalid interval %q", interval)
	}

	switch unit {
	case "m":
		if n < 1 || n > 59 {
			return "", fmt.Errorf("interval step out of range for minutes: %d", n)
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	case "h":
		if n < 1 || n > 23 {
			return "", fmt.Errorf("interval step out of range for hours: %d", n)
		}
		return fmt.Sprintf("0 */%d * * *", n), nil
	default:
		return "", fmt.Errorf("unknown interval unit %q", unit)
	}
}

// CronMatches reports whether the expression matches the minute containing
// t. Matching uses local wall-clock fields, consistent with how operators
// write cron expressions.
func CronMatches(expr string, t time.Time) (bool, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// sameMinute reports whether a and b fall within the same wall-clock
// minute. Guards recurring tasks against double-firing when a tick runs
// slightly late or is re-entered.
func sameMinute(a, b time.Time) bool {
	return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}
