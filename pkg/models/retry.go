package models

import (
	"errors"
	"math"
	"time"
)

// RetryType selects the backoff function of a retry policy.
type RetryType string

const (
	RetryConstant    RetryType = "constant"
	RetryLinear      RetryType = "linear"
	RetryExponential RetryType = "exponential"
)

// RetryBehavior decides how a failed attempt is retried.
type RetryBehavior string

const (
	// RetryFailedTask retries the failed task run in the same execution.
	RetryFailedTask RetryBehavior = "RETRY_FAILED_TASK"
	// RetryCreateNewExecution replays the whole execution as a new one.
	RetryCreateNewExecution RetryBehavior = "CREATE_NEW_EXECUTION"
)

var (
	ErrInvalidRetryType  = errors.New("invalid retry type")
	ErrInvalidRetryDelay = errors.New("retry interval must be positive")
)

// RetryPolicy is declared on a task, an ancestor flowable, or the flow.
type RetryPolicy struct {
	Type        RetryType     `json:"type"                   yaml:"type"        validate:"required,oneof=constant linear exponential"`
	Behavior    RetryBehavior `json:"behavior,omitempty"     yaml:"behavior"    validate:"omitempty,oneof=RETRY_FAILED_TASK CREATE_NEW_EXECUTION"`
	Interval    Duration      `json:"interval"               yaml:"interval"    validate:"required"`
	MaxInterval *Duration     `json:"max_interval,omitempty" yaml:"maxInterval"`
	Multiplier  float64       `json:"multiplier,omitempty"   yaml:"multiplier"  validate:"gte=0"`
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"maxAttempts" validate:"gte=0"`
	MaxDuration *Duration     `json:"max_duration,omitempty" yaml:"maxDuration"`
	// WarningOnRetry turns a success reached after retries into a warning.
	WarningOnRetry bool `json:"warning_on_retry,omitempty" yaml:"warningOnRetry"`
}

// EffectiveBehavior defaults an empty behavior to RETRY_FAILED_TASK.
func (p *RetryPolicy) EffectiveBehavior() RetryBehavior {
	if p.Behavior == "" {
		return RetryFailedTask
	}

	return p.Behavior
}

// Validate checks the policy can compute retry dates.
func (p *RetryPolicy) Validate() error {
	switch p.Type {
	case RetryConstant, RetryLinear, RetryExponential:
	default:
		return ErrInvalidRetryType
	}

	if p.Interval <= 0 {
		return ErrInvalidRetryDelay
	}

	return nil
}

// Delay returns the wait before the attempt following attempt number attempt (1 based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.Interval.Std()

	var delay time.Duration

	switch p.Type {
	case RetryLinear:
		delay = base * time.Duration(attempt)
	case RetryExponential:
		multiplier := p.Multiplier
		if multiplier <= 1 {
			multiplier = 2
		}

		factor := math.Pow(multiplier, float64(attempt-1))
		if factor > float64(math.MaxInt64)/float64(base) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(float64(base) * factor)
		}
	default:
		delay = base
	}

	if p.MaxInterval != nil && delay > p.MaxInterval.Std() {
		delay = p.MaxInterval.Std()
	}

	return delay
}

// NextRetryDate returns when the next attempt should start, given the number of
// attempts already made, the date the last one failed and the date the first one
// started. The second result is false once the policy is exhausted.
func (p *RetryPolicy) NextRetryDate(attempts int, lastAttemptDate, firstAttemptDate time.Time) (time.Time, bool) {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return time.Time{}, false
	}

	next := lastAttemptDate.Add(p.Delay(attempts))

	if p.MaxDuration != nil && next.Sub(firstAttemptDate) > p.MaxDuration.Std() {
		return time.Time{}, false
	}

	return next, true
}
