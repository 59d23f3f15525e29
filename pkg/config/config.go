// Package config loads the engine tunables from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

var (
	ErrInvalidPollInterval = errors.New("queue fast poll interval must not exceed the slow one")
	ErrInvalidBatchSize    = errors.New("queue batch size must be positive")
	ErrInvalidThreads      = errors.New("executor threads must be positive")
)

// Config holds the tunables shared by every flowd role.
type Config struct {
	Queue     QueueConfig
	Executor  ExecutorConfig
	Scheduler SchedulerConfig
}

// QueueConfig tunes the durable queue pollers.
type QueueConfig struct {
	MinPollInterval time.Duration `env:"FLOWD_QUEUE_MIN_POLL_INTERVAL" envDefault:"25ms"`
	MaxPollInterval time.Duration `env:"FLOWD_QUEUE_MAX_POLL_INTERVAL" envDefault:"1s"`
	// PollSwitchInterval is how long the poller stays on the fast interval after the last row.
	PollSwitchInterval time.Duration `env:"FLOWD_QUEUE_POLL_SWITCH_INTERVAL" envDefault:"5s"`
	BatchSize          int           `env:"FLOWD_QUEUE_BATCH_SIZE" envDefault:"100"`
	MaxMessageSize     int           `env:"FLOWD_QUEUE_MAX_MESSAGE_SIZE" envDefault:"1048576"`
}

// ExecutorConfig tunes the coordinator.
type ExecutorConfig struct {
	Threads         int           `env:"FLOWD_EXECUTOR_THREADS" envDefault:"4"`
	SweepInterval   time.Duration `env:"FLOWD_EXECUTOR_SWEEP_INTERVAL" envDefault:"1s"`
	LockTimeout     time.Duration `env:"FLOWD_EXECUTOR_LOCK_TIMEOUT" envDefault:"5s"`
	LockMaxTries    uint          `env:"FLOWD_EXECUTOR_LOCK_MAX_TRIES" envDefault:"10"`
	MaxSweepFailure int           `env:"FLOWD_EXECUTOR_MAX_SWEEP_FAILURES" envDefault:"10"`
}

// SchedulerConfig tunes the trigger loop.
type SchedulerConfig struct {
	TickInterval time.Duration `env:"FLOWD_SCHEDULER_TICK_INTERVAL" envDefault:"1s"`
	// StaleEvaluation is how long an evaluateRunningDate claim is honoured.
	StaleEvaluation time.Duration `env:"FLOWD_SCHEDULER_STALE_EVALUATION" envDefault:"5m"`
	MaxTickFailures int           `env:"FLOWD_SCHEDULER_MAX_TICK_FAILURES" envDefault:"10"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})

	return cfg
}

func (c *Config) Validate() error {
	if c.Queue.MinPollInterval > c.Queue.MaxPollInterval {
		return ErrInvalidPollInterval
	}

	if c.Queue.BatchSize < 1 {
		return ErrInvalidBatchSize
	}

	if c.Executor.Threads < 1 {
		return ErrInvalidThreads
	}

	return nil
}
