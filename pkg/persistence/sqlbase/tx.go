package sqlbase

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/lib/pq"
)

// Postgres error codes worth retrying.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// RetryOptions bounds RetryTx.
type RetryOptions struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// LockTimeout, when positive, is applied with SET LOCAL lock_timeout.
	LockTimeout time.Duration
}

// DefaultRetryOptions retries ten times between 10ms and 1s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxTries:        10,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
		LockTimeout:     5 * time.Second,
	}
}

// IsRetryable reports whether a database error is transient: serialization failures,
// deadlocks, lock wait timeouts and lost connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, persistence.ErrLockTimeout) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}

		return pqErr.Code.Class() == "08"
	}

	return false
}

// RetryTx runs fn in a transaction and commits it, retrying the whole transaction with
// exponential backoff while the failure is retryable.
func RetryTx(ctx context.Context, db *sql.DB, logger *slog.Logger, opts RetryOptions, fn func(tx *sql.Tx) error) error {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = opts.InitialInterval
	expBackOff.MaxInterval = opts.MaxInterval

	operation := func() (struct{}, error) {
		err := runTx(ctx, db, opts, fn)
		if err == nil {
			return struct{}{}, nil
		}

		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackOff),
		backoff.WithMaxTries(opts.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "retrying transaction", "error", err, "next", next)
		}),
	)

	return err
}

func runTx(ctx context.Context, db *sql.DB, opts RetryOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if opts.LockTimeout > 0 {
		_, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.LockTimeout.Milliseconds()))
		if err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	err = fn(tx)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
