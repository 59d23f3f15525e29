package config_test

import (
	"testing"
	"time"

	"github.com/dukex/flowd/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 25*time.Millisecond, cfg.Queue.MinPollInterval)
	assert.Equal(t, time.Second, cfg.Queue.MaxPollInterval)
	assert.Equal(t, 100, cfg.Queue.BatchSize)
	assert.Equal(t, time.Second, cfg.Executor.SweepInterval)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("FLOWD_QUEUE_BATCH_SIZE", "10")
	t.Setenv("FLOWD_EXECUTOR_THREADS", "8")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 8, cfg.Executor.Threads)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want error
	}{
		{"batch size", "FLOWD_QUEUE_BATCH_SIZE", "0", config.ErrInvalidBatchSize},
		{"threads", "FLOWD_EXECUTOR_THREADS", "0", config.ErrInvalidThreads},
		{"poll intervals", "FLOWD_QUEUE_MIN_POLL_INTERVAL", "5s", config.ErrInvalidPollInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := config.Load()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Executor.Threads)
}
