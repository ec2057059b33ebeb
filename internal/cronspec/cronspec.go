// Package cronspec parses the cron expressions accepted on schedules:
// standard five-field expressions, optionally prefixed with a seconds field.
package cronspec

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skua-data/skua/internal/domain"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse returns the schedule for a 5 or 6 field cron expression. Descriptor
// shorthands like @hourly are not accepted.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, domain.Ef(domain.ErrBadRequest, "invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// Validate checks expr without keeping the parsed schedule.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next computes the first fire time strictly after now, in UTC.
func Next(expr string, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.UTC()), nil
}
