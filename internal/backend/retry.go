package backend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

// retryBaseInterval is the first backoff interval; later intervals double
// up to the configured cap.
const retryBaseInterval = time.Second

// retrier applies capped exponential backoff to engine calls. The zero
// value is not usable; the remote adapter builds one from its descriptor,
// the local adapter carries none and calls the engine exactly once.
type retrier struct {
	// maxAttempts is the total number of tries including the first.
	maxAttempts int
	maxInterval time.Duration

	// baseInterval overrides retryBaseInterval when positive. Tests use it
	// to keep backoff waits out of the test runtime.
	baseInterval time.Duration
}

// do runs fn, retrying transient failures until the attempt budget or ctx
// runs out. It returns the number of attempts made; errors the engine
// classifies as permanent stop the loop immediately.
func (r retrier) do(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) (int, error) {
	base := r.baseInterval
	if base <= 0 {
		base = retryBaseInterval
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.MaxInterval = r.maxInterval
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			callErr := fn(ctx)
			if callErr == nil {
				return nil
			}
			if !transientEngineErr(callErr) {
				return backoff.Permanent(callErr)
			}
			return callErr
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts-1)), ctx),
		func(callErr error, wait time.Duration) {
			log.Warn("engine call failed, backing off",
				"op", op,
				"attempt", attempts,
				"wait", wait,
				"error", callErr,
			)
		},
	)
	return attempts, err
}

// transientEngineErr reports whether err is worth retrying: connection
// failures, timeouts, and engine-side unavailability. Caller cancellation
// and engine rejections (bad image, conflicts) are not.
func transientEngineErr(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case client.IsErrConnectionFailed(err):
		return true
	case cerrdefs.IsUnavailable(err) || cerrdefs.IsInternal(err):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
