package credpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, keys []string, cfg Config) *Pool {
	t.Helper()
	specs := make([]Spec, 0, len(keys))
	for _, k := range keys {
		specs = append(specs, Spec{Key: k})
	}
	p, err := New(specs, cfg)
	require.NoError(t, err)
	return p
}

func TestNew_RejectsEmptyAndDedupes(t *testing.T) {
	_, err := New([]Spec{{Key: "  "}}, Config{})
	require.ErrorIs(t, err, ErrNoCredentials)

	p, err := New([]Spec{{Key: "key-aaaaaaaa"}, {Key: "key-aaaaaaaa"}, {Key: "key-bbbbbbbb", Limit: 5}}, Config{})
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	snap := p.Snapshot()
	require.Equal(t, DefaultLimit, snap[0].Limit)
	require.Equal(t, 5, snap[1].Limit)
}

func TestCredential_SuffixNeverLeaksKey(t *testing.T) {
	c := Credential{key: "AIzaSyD-0123456789abcdef"}
	require.Equal(t, "89abcdef", c.Suffix())
	require.Equal(t, "...89abcdef", c.String())
	require.Equal(t, "<none>", Credential{}.String())
	require.Equal(t, "short", Suffix("short"))
}

func TestAcquire_NTimesLThenBlocksUntilWindowSlides(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"key-one-11111111", "key-two-22222222"}, Config{
		Limit:         3,
		RetryInterval: 5 * time.Millisecond,
		Now:           clock.Now,
	})

	for i := 0; i < 6; i++ {
		_, ok := p.TryAcquire()
		require.True(t, ok, "acquisition %d should succeed without blocking", i)
	}
	_, ok := p.TryAcquire()
	require.False(t, ok, "7th acquisition inside the window must not succeed")

	got := make(chan Credential, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatalf("Acquire returned while every credential was saturated")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(DefaultWindow + time.Second)

	select {
	case c := <-got:
		require.False(t, c.IsZero())
	case <-time.After(time.Second):
		t.Fatalf("Acquire did not return after the window slid")
	}
}

func TestAcquire_AllInactiveBlocksUntilContextDone(t *testing.T) {
	p := newTestPool(t, []string{"key-one-11111111", "key-two-22222222"}, Config{
		RetryInterval: 5 * time.Millisecond,
	})
	for _, e := range p.entries {
		p.ReportFailure(Credential{key: e.key})
	}
	require.Equal(t, 0, p.Available())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestAcquire_MaxWaitReturnsExhausted(t *testing.T) {
	p := newTestPool(t, []string{"key-one-11111111"}, Config{
		Limit:         1,
		RetryInterval: 5 * time.Millisecond,
		MaxWait:       30 * time.Millisecond,
	})
	_, ok := p.TryAcquire()
	require.True(t, ok)

	_, err := p.Acquire(context.Background())
	require.True(t, errors.Is(err, ErrCredentialsExhausted), "err=%v", err)
}

func TestReportFailure_NeverReactivatesByDefault(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"key-one-11111111"}, Config{Now: clock.Now})

	c, ok := p.TryAcquire()
	require.True(t, ok)
	p.ReportFailure(c)

	clock.Advance(24 * time.Hour)
	_, ok = p.TryAcquire()
	require.False(t, ok)
	require.False(t, p.Snapshot()[0].Active)
}

func TestReportFailure_ReactivateAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"key-one-11111111"}, Config{
		Now:             clock.Now,
		ReactivateAfter: 5 * time.Minute,
	})

	c, ok := p.TryAcquire()
	require.True(t, ok)
	p.ReportFailure(c)

	clock.Advance(4 * time.Minute)
	_, ok = p.TryAcquire()
	require.False(t, ok)

	clock.Advance(time.Minute)
	got, ok := p.TryAcquire()
	require.True(t, ok)
	require.Equal(t, c.Key(), got.Key())
}

func TestReportFailure_UnknownCredentialIgnored(t *testing.T) {
	p := newTestPool(t, []string{"key-one-11111111"}, Config{})
	p.ReportFailure(Credential{key: "not-in-pool"})
	p.ReportFailure(Credential{})
	require.Equal(t, 1, p.Available())
}

func TestTryAcquire_UsesRandomChoiceAmongAvailable(t *testing.T) {
	var picks []int
	p := newTestPool(t, []string{"key-one-11111111", "key-two-22222222", "key-three-3333333"}, Config{
		IntN: func(n int) int {
			picks = append(picks, n)
			return n - 1
		},
	})

	c, ok := p.TryAcquire()
	require.True(t, ok)
	require.Equal(t, "key-three-3333333", c.Key())
	require.Equal(t, []int{3}, picks)

	p.ReportFailure(c)
	c, ok = p.TryAcquire()
	require.True(t, ok)
	require.Equal(t, "key-two-22222222", c.Key())
	require.Equal(t, []int{3, 2}, picks)
}

func TestTryAcquire_ConcurrentAcquirersNeverExceedBudget(t *testing.T) {
	p := newTestPool(t, []string{"key-one-11111111", "key-two-22222222"}, Config{Limit: 25})

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := p.TryAcquire(); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), granted.Load())
	for _, s := range p.Snapshot() {
		require.Equal(t, 25, s.InWindow)
	}
}
