package queue

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ValidateRepeatSpec validates a cron expression ("*/10 * * * *", "@hourly", "@every 10m").
func ValidateRepeatSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.Wrapf(err, "invalid repeat spec %q", spec)
	}
	return nil
}

// NextOccurrence returns the first occurrence of spec strictly after from.
func NextOccurrence(spec string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid repeat spec %q", spec)
	}
	return sched.Next(from), nil
}
