package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu   sync.Mutex
	base time.Time
	t    time.Time
}

func newFakeClock() *fakeClock {
	base := time.Unix(1_700_000_000, 0)
	return &fakeClock{base: base, t: base}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// SetMS moves the clock to base+ms.
func (c *fakeClock) SetMS(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.base.Add(time.Duration(ms) * time.Millisecond)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, cfg Config, opts ...Option) (*WindowLimiter, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	l, err := New("test", cfg, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, clk
}

func fill(t *testing.T, l *WindowLimiter, weights ...int64) {
	t.Helper()
	for _, w := range weights {
		l.Record(w)
	}
	// Snapshot is queued behind the records, so they are applied once it returns.
	_, err := l.Snapshot(context.Background())
	require.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Window: time.Minute, CleanupInterval: time.Second, Capacity: 1200}, true},
		{"zero window", Config{CleanupInterval: time.Second, Capacity: 1}, false},
		{"negative cleanup", Config{Window: time.Second, CleanupInterval: -1, Capacity: 1}, false},
		{"zero capacity", Config{Window: time.Second, CleanupInterval: time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_InvalidConfigDoesNotStart(t *testing.T) {
	l, err := New("bad", Config{Window: time.Second, CleanupInterval: time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Nil(t, l)
}

func TestCheck_NonPositiveWeightAlwaysAdmitted(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 100})
	fill(t, l, 100)

	for _, w := range []int64{0, -5} {
		dec, err := l.Check(context.Background(), w)
		require.NoError(t, err)
		require.True(t, dec.Allowed, "weight %d", w)
		require.Zero(t, dec.RetryAfter)
	}
	dec, err := l.Check(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
}

func TestCheck_OversizedAlwaysRejected(t *testing.T) {
	l, clk := newTestLimiter(t, Config{Window: 5 * time.Second, Capacity: 1000})

	dec, err := l.Check(context.Background(), 1001)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.True(t, dec.Oversized)
	require.Zero(t, dec.RetryAfter, "empty ledger has nothing to free")

	fill(t, l, 10)
	clk.SetMS(2000)
	dec, err = l.Check(context.Background(), 1001)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.True(t, dec.Oversized)
	require.Equal(t, 3*time.Second, dec.RetryAfter)
}

func TestCheck_DoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 10})
	for i := 0; i < 5; i++ {
		dec, err := l.Check(context.Background(), 10)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.Usage)
	require.Zero(t, snap.Entries)
}

func TestWindowExpiry(t *testing.T) {
	l, clk := newTestLimiter(t, Config{Window: 5000 * time.Millisecond, Capacity: 1000})
	fill(t, l, 1000)

	clk.SetMS(4999)
	dec, err := l.Check(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, int64(1), dec.RetryAfterMillis())

	clk.SetMS(5001)
	dec, err = l.Check(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Zero(t, dec.Usage)
}

func TestRetryAfterDecaysWithElapsedTime(t *testing.T) {
	l, clk := newTestLimiter(t, Config{Window: 5 * time.Second, Capacity: 1000})
	fill(t, l, 600)
	clk.SetMS(500)
	fill(t, l, 400)

	clk.SetMS(1000)
	first, err := l.Check(context.Background(), 50)
	require.NoError(t, err)
	require.False(t, first.Allowed)
	require.Equal(t, int64(4000), first.RetryAfterMillis())

	const delta = 1250 * time.Millisecond
	clk.Advance(delta)
	second, err := l.Check(context.Background(), 50)
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.Equal(t, delta, first.RetryAfter-second.RetryAfter)

	// The oldest entry has left; the retry now tracks the next one.
	clk.SetMS(5000)
	third, err := l.Check(context.Background(), 700)
	require.NoError(t, err)
	require.False(t, third.Allowed)
	require.Equal(t, int64(400), third.Usage)
	require.Equal(t, 500*time.Millisecond, third.RetryAfter)
}

func TestRecordVisibleToNextCheck(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 1200})
	l.Record(600)
	l.Record(600)

	dec, err := l.Check(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, int64(1200), dec.Usage)
}

func TestRecordDropsNonPositiveWeight(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 10})
	fill(t, l, 0, -5, 3)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.Usage)
	require.Equal(t, 1, snap.Entries)
}

func TestRecordDoesNotRevalidateCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 10})
	fill(t, l, 8, 8)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(16), snap.Usage)
	require.Zero(t, snap.Remaining)
}

func TestSweepIsIdempotent(t *testing.T) {
	l, clk := newTestLimiter(t, Config{Window: time.Second, Capacity: 100})
	fill(t, l, 1, 2, 3)
	clk.SetMS(600)
	fill(t, l, 4)
	clk.SetMS(1500)

	n, err := l.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	once, err := l.Snapshot(context.Background())
	require.NoError(t, err)

	n, err = l.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	twice, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, once, twice)
	require.Equal(t, int64(4), twice.Usage)
}

func TestBackgroundSweepEvictsWithoutTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l, clk := newTestLimiter(t, Config{Window: time.Second, CleanupInterval: 5 * time.Millisecond, Capacity: 100},
		WithMetrics(m))
	fill(t, l, 7, 7)
	clk.SetMS(2000)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Entries.WithLabelValues("test")) == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, float64(2), testutil.ToFloat64(m.Evicted.WithLabelValues("test")))
}

func TestAcquireRecordsOnlyWhenAdmitted(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 10})

	dec, err := l.Acquire(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, int64(7), dec.Usage)

	dec, err = l.Acquire(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), snap.Usage)
}

func TestNeverAdmitsBeyondCapacityInAnyWindow(t *testing.T) {
	const window = 1000 * time.Millisecond
	const capacity = 50
	l, clk := newTestLimiter(t, Config{Window: window, Capacity: capacity})
	rng := rand.New(rand.NewSource(42))

	type rec struct {
		at     time.Time
		weight int64
	}
	var admitted []rec
	for i := 0; i < 2000; i++ {
		clk.Advance(time.Duration(rng.Intn(40)) * time.Millisecond)
		w := int64(rng.Intn(20) + 1)
		dec, err := l.Acquire(context.Background(), w)
		require.NoError(t, err)
		if !dec.Allowed {
			continue
		}
		now := clk.Now()
		admitted = append(admitted, rec{at: now, weight: w})
		var sum int64
		for _, r := range admitted {
			if now.Sub(r.at) < window {
				sum += r.weight
			}
		}
		require.LessOrEqual(t, sum, int64(capacity), "iteration %d", i)
	}
	require.NotEmpty(t, admitted)
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	for trial := 0; trial < 200; trial++ {
		l, err := New("trial", Config{Window: time.Minute, CleanupInterval: time.Hour, Capacity: 1200})
		require.NoError(t, err)

		admitted := atomic.NewInt64(0)
		var g errgroup.Group
		for i := 0; i < 3; i++ {
			g.Go(func() error {
				dec, err := l.Acquire(context.Background(), 600)
				if err != nil {
					return err
				}
				if dec.Allowed {
					admitted.Inc()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		snap, err := l.Snapshot(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(2), admitted.Load(), "trial %d", trial)
		require.Equal(t, int64(1200), snap.Usage, "trial %d", trial)
		require.NoError(t, l.Close())
	}
}

func TestConcurrentChecksRejectedOnceCapacityRecorded(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 1200})
	l.Record(600)
	l.Record(600)

	admitted := atomic.NewInt64(0)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			dec, err := l.Check(context.Background(), 600)
			if err != nil {
				return err
			}
			if dec.Allowed {
				admitted.Inc()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Zero(t, admitted.Load())
}

func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 10}, WithMetrics(m))

	_, _ = l.Acquire(context.Background(), 10)
	_, _ = l.Check(context.Background(), 1)
	_, _ = l.Check(context.Background(), 11)

	require.Equal(t, float64(1), testutil.ToFloat64(m.Decisions.WithLabelValues("test", "admitted")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Decisions.WithLabelValues("test", "rejected")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Decisions.WithLabelValues("test", "oversized")))
	require.Equal(t, float64(10), testutil.ToFloat64(m.Recorded.WithLabelValues("test")))
	require.Equal(t, float64(10), testutil.ToFloat64(m.Usage.WithLabelValues("test")))
}

func TestClose(t *testing.T) {
	l, err := New("closing", Config{Window: time.Second, CleanupInterval: time.Second, Capacity: 1})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Check(context.Background(), 1)
	require.True(t, errors.Is(err, ErrClosed))
	l.Record(1)
}

func TestDecisionRetryAfterMillisRoundsUp(t *testing.T) {
	require.Equal(t, int64(0), Decision{}.RetryAfterMillis())
	require.Equal(t, int64(1), Decision{RetryAfter: time.Microsecond}.RetryAfterMillis())
	require.Equal(t, int64(2), Decision{RetryAfter: 2 * time.Millisecond}.RetryAfterMillis())
}

func TestHugeWeightsCannotOverflowUsage(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Window: time.Minute, Capacity: 1000})
	fill(t, l, 10)
	ctx := context.Background()

	dec, err := l.Check(ctx, math.MaxInt64)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.True(t, dec.Oversized)

	dec, err = l.Acquire(ctx, math.MaxInt64)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, int64(10), dec.Usage)

	dec, err = l.Check(ctx, 5000)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// Unchecked records saturate instead of wrapping.
	fill(t, l, math.MaxInt64, math.MaxInt64)
	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), snap.Usage)
	require.Zero(t, snap.Remaining)

	dec, err = l.Check(ctx, 1)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
}

func TestSnapshotUsesOneClockReading(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	reads := -1
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case reads < 0:
			return base
		case reads == 0:
			reads++
			return base.Add(999 * time.Millisecond)
		default:
			return base.Add(time.Second)
		}
	}
	l, err := New("test", Config{Window: time.Second, CleanupInterval: time.Hour, Capacity: 100}, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	fill(t, l, 7)

	mu.Lock()
	reads = 0
	mu.Unlock()

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), snap.Usage)
	require.Equal(t, 1, snap.Entries)
	require.Equal(t, 999*time.Millisecond, snap.OldestAge)
}
