package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxMissedScan bounds the walk over missed cron dates.
const maxMissedScan = 100_000

var (
	// ErrInvalidSchedule is returned when a cron expression cannot be parsed.
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// CronSchedule wraps a parsed 5-field cron expression and its location.
type CronSchedule struct {
	schedule cron.Schedule
	location *time.Location
}

// ParseCron parses a cron expression for the given IANA timezone (UTC when empty).
func ParseCron(expression, timezone string) (*CronSchedule, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchedule, expression, err)
	}

	location := time.UTC

	if timezone != "" {
		location, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %s: %w", ErrInvalidSchedule, timezone, err)
		}
	}

	return &CronSchedule{schedule: schedule, location: location}, nil
}

// Next returns the first fire date strictly after reference.
func (c *CronSchedule) Next(reference time.Time) time.Time {
	return c.schedule.Next(reference.In(c.location)).UTC()
}

// LastBefore returns the most recent fire date not after now, walking forward from
// from. The second result is false when no fire date falls in [from, now].
func (c *CronSchedule) LastBefore(from, now time.Time) (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)

	candidate := from
	if next := c.Next(from.Add(-time.Second)); !next.Equal(from) {
		candidate = next
	}

	for range maxMissedScan {
		if candidate.After(now) {
			break
		}

		last = candidate
		found = true
		candidate = c.Next(candidate)
	}

	return last, found
}

// Schedule returns the parsed cron of a schedule definition.
func (d TriggerDefinition) Schedule() (*CronSchedule, error) {
	if d.Type != TriggerSchedule {
		return nil, fmt.Errorf("%w: trigger %s is not a schedule", ErrInvalidSchedule, d.ID)
	}

	return ParseCron(d.Cron, d.Timezone)
}

// NextEvaluationDate returns when the definition should be evaluated after reference.
func (d TriggerDefinition) NextEvaluationDate(reference time.Time) (time.Time, error) {
	switch d.Type {
	case TriggerSchedule:
		schedule, err := d.Schedule()
		if err != nil {
			return time.Time{}, err
		}

		return schedule.Next(reference), nil
	case TriggerPolling:
		if d.Interval == nil || d.Interval.Std() <= 0 {
			return time.Time{}, fmt.Errorf("%w: polling trigger %s has no interval", ErrInvalidSchedule, d.ID)
		}

		return reference.Add(d.Interval.Std()), nil
	default:
		return time.Time{}, ErrUnknownTriggerType
	}
}
