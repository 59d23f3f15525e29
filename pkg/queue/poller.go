package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/flowd/pkg/config"
	"github.com/dukex/flowd/pkg/metrics"
)

// PollOptions tunes the adaptive poll loop.
type PollOptions struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// SwitchInterval is how long the loop stays on MinInterval after the last message.
	SwitchInterval time.Duration
	BatchSize      int
}

func PollOptionsFromConfig(cfg config.QueueConfig) PollOptions {
	return PollOptions{
		MinInterval:    cfg.MinPollInterval,
		MaxInterval:    cfg.MaxPollInterval,
		SwitchInterval: cfg.PollSwitchInterval,
		BatchSize:      cfg.BatchSize,
	}
}

// FetchFunc claims up to limit messages and moves the consumer cursor past them.
type FetchFunc func(ctx context.Context, limit int) ([]Message, error)

// Poller drives the consumers of a queue implementation.
type Poller struct {
	opts    PollOptions
	paused  atomic.Bool
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewPoller(opts PollOptions, logger *slog.Logger, collector *metrics.Collector) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	if opts.MinInterval <= 0 {
		opts.MinInterval = 25 * time.Millisecond
	}

	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = opts.MinInterval
	}

	return &Poller{opts: opts, logger: logger, metrics: collector}
}

func (p *Poller) Pause()         { p.paused.Store(true) }
func (p *Poller) Resume()        { p.paused.Store(false) }
func (p *Poller) IsPaused() bool { return p.paused.Load() }

// Start polls fetch in a goroutine and hands every message to handler in order.
// The returned CancelFunc must not be called from inside handler.
func (p *Poller) Start(ctx context.Context, messageType MessageType, fetch FetchFunc, handler Handler) CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		p.run(ctx, messageType, fetch, handler)
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p *Poller) run(ctx context.Context, messageType MessageType, fetch FetchFunc, handler Handler) {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.opts.MinInterval
	idle.MaxInterval = p.opts.MaxInterval
	idle.Multiplier = 2
	idle.RandomizationFactor = 0

	lastMessage := time.Now()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := p.opts.MaxInterval

		if !p.paused.Load() {
			wait = p.poll(ctx, messageType, fetch, handler, idle, &lastMessage)
		}

		timer.Reset(wait)
	}
}

func (p *Poller) poll(ctx context.Context, messageType MessageType, fetch FetchFunc, handler Handler, idle *backoff.ExponentialBackOff, lastMessage *time.Time) time.Duration {
	messages, err := fetch(ctx, p.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.WarnContext(ctx, "Failed to poll queue", "type", messageType, "error", err)
		}

		return p.opts.MaxInterval
	}

	for _, msg := range messages {
		p.metrics.QueueReceived(string(msg.Type))
		p.dispatch(ctx, handler, msg)
	}

	switch {
	case len(messages) >= p.opts.BatchSize:
		*lastMessage = time.Now()
		idle.Reset()

		return 0
	case len(messages) > 0:
		*lastMessage = time.Now()
		idle.Reset()

		return p.opts.MinInterval
	case time.Since(*lastMessage) < p.opts.SwitchInterval:
		return p.opts.MinInterval
	default:
		return idle.NextBackOff()
	}
}

func (p *Poller) dispatch(ctx context.Context, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.QueueDropped(string(msg.Type), "panic")
			p.logger.ErrorContext(ctx, "Queue handler panicked", "type", msg.Type, "key", msg.Key, "offset", msg.Offset, "panic", fmt.Sprint(r))
		}
	}()

	err := handler(ctx, msg)
	if err != nil {
		p.metrics.QueueDropped(string(msg.Type), "handler")
		p.logger.ErrorContext(ctx, "Queue handler failed", "type", msg.Type, "key", msg.Key, "offset", msg.Offset, "error", err)
	}
}

// EmitAsync runs emit in a goroutine and logs its failure.
func EmitAsync(ctx context.Context, logger *slog.Logger, collector *metrics.Collector, msg Message, emit func(ctx context.Context) error) {
	go func() {
		err := emit(context.WithoutCancel(ctx))
		if err != nil {
			collector.QueueDropped(string(msg.Type), "emit")
			logger.ErrorContext(ctx, "Failed to emit message", "type", msg.Type, "key", msg.Key, "error", err)
		}
	}()
}
