// ABOUTME: Tests for the per-connection rate limiter
// ABOUTME: Covers window accounting, single notification, sweep and Run shutdown

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *fakeClock, max int) *Limiter {
	return New(Config{
		Window:    time.Minute,
		MaxEvents: max,
		IdleTTL:   2 * time.Minute,
		Clock:     clock.Now,
	}, nil)
}

func TestCheck_AllowsUpToMaxThenDenies(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 100)

	for i := 1; i <= 100; i++ {
		d := l.Check("conn-1")
		require.True(t, d.Allowed, "event %d should be allowed", i)
		assert.Equal(t, i, d.Count)
	}

	d := l.Check("conn-1")
	assert.False(t, d.Allowed)
	assert.True(t, d.Notify, "first denial should notify")
}

func TestCheck_NotifiesOncePerWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 2)

	l.Check("c")
	l.Check("c")

	first := l.Check("c")
	second := l.Check("c")
	third := l.Check("c")

	assert.True(t, first.Notify)
	assert.False(t, second.Notify)
	assert.False(t, third.Notify)
	assert.False(t, second.Allowed)
	assert.False(t, third.Allowed)
}

func TestCheck_FreshWindowAfterElapsed(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 3)

	for i := 0; i < 4; i++ {
		l.Check("c")
	}
	require.False(t, l.Check("c").Allowed)

	clock.Advance(time.Minute + time.Millisecond)

	d := l.Check("c")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)

	// The new window notifies again on its own first denial.
	l.Check("c")
	l.Check("c")
	assert.True(t, l.Check("c").Notify)
}

func TestCheck_ConnectionsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 1)

	assert.True(t, l.Check("a").Allowed)
	assert.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestScenario_101EventsWithinTenSeconds(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 100)

	allowed, notified := 0, 0
	for i := 0; i < 101; i++ {
		d := l.Check("client")
		if d.Allowed {
			allowed++
		}
		if d.Notify {
			notified++
		}
		clock.Advance(99 * time.Millisecond)
	}

	assert.Equal(t, 100, allowed)
	assert.Equal(t, 1, notified)
}

func TestRemove(t *testing.T) {
	l := newTestLimiter(newFakeClock(), 10)
	l.Check("a")
	l.Check("b")
	require.Equal(t, 2, l.Len())

	l.Remove("a")
	assert.Equal(t, 1, l.Len())

	l.Remove("missing")
	assert.Equal(t, 1, l.Len())
}

func TestSweep_RemovesDeadAndIdleEntries(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 10)

	l.Check("live-old")
	clock.Advance(3 * time.Minute)
	l.Check("live-fresh")
	l.Check("dead-fresh")

	live := map[string]bool{"live-old": true, "live-fresh": true}
	removed := l.Sweep(func(id string) bool { return live[id] })

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, l.Len())
}

func TestSweep_Idempotent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 10)

	for _, id := range []string{"a", "b", "c"} {
		l.Check(id)
	}
	isLive := func(id string) bool { return id != "b" }

	first := l.Sweep(isLive)
	second := l.Sweep(isLive)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 2, l.Len())
}

func TestSweep_KeepsOpenWindowLongerThanIdleTTL(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{
		Window:    10 * time.Minute,
		MaxEvents: 100,
		IdleTTL:   2 * time.Minute,
		Clock:     clock.Now,
	}, nil)

	for range 100 {
		require.True(t, l.Check("c1").Allowed)
	}
	require.False(t, l.Check("c1").Allowed)

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 0, l.Sweep(func(string) bool { return true }))

	d := l.Check("c1")
	assert.False(t, d.Allowed, "window still open, count must carry over")
	assert.Equal(t, 102, d.Count)

	clock.Advance(7*time.Minute + time.Second)
	assert.Equal(t, 1, l.Sweep(func(string) bool { return true }))
}

func TestSweep_NilLivenessOnlyUsesTTL(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 10)
	l.Check("a")

	assert.Equal(t, 0, l.Sweep(nil))
	clock.Advance(2*time.Minute + time.Second)
	assert.Equal(t, 1, l.Sweep(nil))
}

func TestRun_SweepsAndStopsOnCancel(t *testing.T) {
	l := New(Config{SweepInterval: 10 * time.Millisecond}, nil)
	l.Check("gone")

	swept := make(chan int, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, func(string) bool { return false }, func(n int) { swept <- n })
		close(done)
	}()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("sweep did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, 0, l.Len())
}

func TestRun_SurvivesPanickingLiveness(t *testing.T) {
	l := New(Config{SweepInterval: 10 * time.Millisecond}, nil)
	l.Check("x")

	calls := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx, func(string) bool {
		calls <- struct{}{}
		panic("boom")
	}, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("sweep pass %d did not run", i+1)
		}
	}
}

func TestConcurrentChecks(t *testing.T) {
	l := New(Config{MaxEvents: 1000}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Check("shared")
			}
		}()
	}
	wg.Wait()

	d := l.Check("shared")
	assert.Equal(t, 501, d.Count)
}
