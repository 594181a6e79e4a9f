package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Throttle caps the byte rate of one job. All ranges of the job, sequential
// or parallel, reserve from the same limiter so the admission window only
// moves forward. A nil *Throttle admits everything immediately.
type Throttle struct {
	limiter *rate.Limiter
	burst   int
	clock   clockwork.Clock
}

// NewThrottle returns a Throttle admitting bytesPerSec, or nil when the limit
// is zero or negative.
func NewThrottle(bytesPerSec int64, clock clockwork.Clock) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	burst := int(bytesPerSec)
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
		clock:   clock,
	}
}

// Reserve claims n bytes of the window and returns how long the caller must
// wait before sending them.
func (t *Throttle) Reserve(n int) time.Duration {
	if t == nil || n <= 0 {
		return 0
	}
	now := t.clock.Now()
	var wait time.Duration
	for n > 0 {
		piece := min(n, t.burst)
		r := t.limiter.ReserveN(now, piece)
		if !r.OK() {
			return 0
		}
		wait = max(wait, r.DelayFrom(now))
		n -= piece
	}
	return wait
}

// Wait reserves n bytes and sleeps out the delay.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	d := t.Reserve(n)
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.clock.After(d):
		return nil
	}
}
