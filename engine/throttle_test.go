package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_DisabledForNonPositiveLimits(t *testing.T) {
	assert.Nil(t, NewThrottle(0, nil))
	assert.Nil(t, NewThrottle(-5, nil))

	var th *Throttle
	assert.Equal(t, time.Duration(0), th.Reserve(1<<20))
	assert.NoError(t, th.Wait(context.Background(), 1<<20))
}

func TestThrottle_WindowAdvances(t *testing.T) {
	clock := clockwork.NewFakeClock()
	th := NewThrottle(1000, clock)

	assert.Equal(t, time.Duration(0), th.Reserve(1000))
	assert.Equal(t, 500*time.Millisecond, th.Reserve(500))
	assert.Equal(t, time.Second, th.Reserve(500))

	clock.Advance(2 * time.Second)
	assert.Equal(t, time.Duration(0), th.Reserve(1000))
}

func TestThrottle_LargeReservationsSplit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	th := NewThrottle(100, clock)

	// 100 bytes of burst plus 250 more at 100 B/s
	assert.Equal(t, 2500*time.Millisecond, th.Reserve(350))
}

func TestThrottle_ConcurrentReservationsAreMonotonic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	th := NewThrottle(1000, clock)
	th.Reserve(1000)

	var (
		mu    sync.Mutex
		waits []time.Duration
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := th.Reserve(100)
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Each reservation claimed a distinct 100ms slot.
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	require.Len(t, waits, 10)
	for i, d := range waits {
		want := time.Duration(i+1) * 100 * time.Millisecond
		assert.InDelta(t, float64(want), float64(d), float64(time.Millisecond), "slot %d", i)
	}
}

func TestThrottle_WaitHonorsContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	th := NewThrottle(10, clock)
	th.Reserve(10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, th.Wait(ctx, 10), context.Canceled)
}
