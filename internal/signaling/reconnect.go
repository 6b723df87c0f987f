package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// runWithBoundedRetry calls connect repeatedly, waiting retryInterval
// between attempts, until it returns nil, ctx is cancelled, or maxRetries
// consecutive failures have been observed. This mirrors the original
// transport's boot-time network-readiness loop (tries < 5, sleep(4)),
// generalized to cover any connect failure rather than only DNS readiness.
func runWithBoundedRetry(ctx context.Context, maxRetries int, retryInterval time.Duration, logger *slog.Logger, connect func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("signalling connect attempt failed",
			"attempt", attempt+1, "max_attempts", maxRetries, "error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return fmt.Errorf("signaling: exhausted %d connect attempts: %w", maxRetries, lastErr)
}
