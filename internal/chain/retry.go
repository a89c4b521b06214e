// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package chain

import (
	"context"
	"log/slog"
	"time"

	"github.com/zosopentools/patchchain/internal/base"
)

// Retry runs fn until it succeeds, fails for good, or the attempts run out
//
// Only errors base.Retryable accepts (lock contention and timeouts) are
// retried. The delay doubles after every attempt. Cancelling ctx stops the
// waiting and returns the last error.
func Retry(ctx context.Context, policy base.RetryConfig, logger *slog.Logger, op string, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Delay
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !base.Retryable(err) || attempt >= attempts {
			return err
		}

		logger.Warn("retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}
