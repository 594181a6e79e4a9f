package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/franksops/sharesync/provider"
)

// DefaultRetryPolicy makes up to four attempts 500ms, 1s and 1.5s apart.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  4,
	BaseDelay: 500 * time.Millisecond,
}

// RetryPolicy retries transient faults with a linearly growing delay:
// attempt n waits n*BaseDelay before attempt n+1.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts are exhausted.
func (r RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := retryValue(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func retryValue[T any](ctx context.Context, r RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(r.Attempts, 1)
	clock := r.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || ctx.Err() != nil || !IsTransient(err) {
			return v, err
		}

		delay := time.Duration(attempt) * r.BaseDelay
		if r.Log != nil {
			r.Log.WithError(err).WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Transient remote fault, retrying")
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-clock.After(delay):
		}
	}
}

// transientStatus are the HTTP-like statuses worth retrying besides 5xx.
var transientStatus = map[int]bool{
	408: true, // request timeout
	429: true, // too many requests
}

var transientCodes = map[string]bool{
	"RequestTimeout":      true,
	"SlowDown":            true,
	"Throttling":          true,
	"ThrottlingException": true,
	"ServiceUnavailable":  true,
	"InternalError":       true,
	"ServerBusy":          true,
	"OperationTimedOut":   true,
}

// IsTransient reports whether err is expected to clear up on retry: a
// transient status, a timeout, a dropped connection, or a local I/O error.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if status, ok := provider.StatusCode(err); ok {
		if transientStatus[status] || (status >= 500 && status < 600) {
			return true
		}
	}
	if transientCodes[provider.ErrorCode(err)] {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EIO) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return !errors.Is(err, fs.ErrNotExist) &&
			!errors.Is(err, fs.ErrPermission) &&
			!errors.Is(err, fs.ErrExist) &&
			!errors.Is(err, fs.ErrInvalid)
	}
	return false
}
