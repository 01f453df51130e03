package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retrying wraps a Transport and retries calls that fail with
// KindTransferFailed, backing off exponentially between attempts.
type Retrying struct {
	inner      Transport
	maxRetries int
	delay      time.Duration
	logger     *slog.Logger
}

// NewRetrying wraps inner. maxRetries is the number of extra attempts after
// the first; delay is the wait before the first retry and doubles after each.
func NewRetrying(inner Transport, maxRetries int, delay time.Duration, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{inner: inner, maxRetries: maxRetries, delay: delay, logger: logger}
}

// Exec runs command, retrying transport failures.
func (r *Retrying) Exec(ctx context.Context, command string) (string, error) {
	var out string
	err := r.retry(ctx, "exec", func() error {
		var err error
		out, err = r.inner.Exec(ctx, command)
		return err
	})
	return out, err
}

// Upload copies the file, retrying transport failures from scratch.
func (r *Retrying) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	var n int64
	err := r.retry(ctx, "upload", func() error {
		var err error
		n, err = r.inner.Upload(ctx, localPath, remotePath)
		return err
	})
	return n, err
}

func (r *Retrying) retry(ctx context.Context, op string, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.delay * time.Duration(1<<(attempt-1))
			r.logger.Warn("retrying remote call",
				"op", op,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("cancelled while retrying %s: %w", op, lastErr)
			case <-timer.C:
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}

	return lastErr
}
