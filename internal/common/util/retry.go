package util

import (
	"time"

	"github.com/avast/retry-go"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
)

// Retry calls fn at most attempts times with a fixed delay between calls. Errors that are not retryable
// (see fireflyerrors.IsRetryable) stop the loop immediately. The last error is returned unwrapped.
func Retry(ctx *fireflycontext.Context, attempts uint, delay time.Duration, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(fireflyerrors.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			ctx.WithError(err).Warnf("Attempt %d of %d failed, retrying in %s", n+1, attempts, delay)
		}),
	)
}
