package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/lovenote-ai/lovenote/internal/ratelimit"
)

// fakeClock is a mutable time source for driving window expiry in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheck_WindowScenario(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.New(time.Second, 3, ratelimit.WithClock(clock.Now))
	defer l.Dispose()

	for i := 1; i <= 3; i++ {
		if !l.Check("k") {
			t.Fatalf("check %d should be allowed", i)
		}
	}
	if l.Check("k") {
		t.Fatal("4th check within the window should be denied")
	}

	clock.Advance(1001 * time.Millisecond)

	if !l.Check("k") {
		t.Fatal("check after window elapsed should be allowed")
	}
	if got := l.Count("k"); got != 1 {
		t.Errorf("count after window reset = %d, want 1", got)
	}
}

func TestCheck_DeniedCallDoesNotIncrement(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.New(time.Minute, 2, ratelimit.WithClock(clock.Now))
	defer l.Dispose()

	l.Check("k")
	l.Check("k")
	l.Check("k") // denied
	l.Check("k") // denied

	if got := l.Count("k"); got != 2 {
		t.Errorf("count = %d, want 2 (denied calls must not count)", got)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.New(time.Minute, 1, ratelimit.WithClock(clock.Now))
	defer l.Dispose()

	if !l.Check("a") {
		t.Fatal("first check for a should be allowed")
	}
	if l.Check("a") {
		t.Fatal("second check for a should be denied")
	}
	if !l.Check("b") {
		t.Fatal("first check for b should be allowed regardless of a")
	}
}

func TestSweep_RemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.New(50*time.Millisecond, 3,
		ratelimit.WithClock(clock.Now),
		ratelimit.WithSweepInterval(10*time.Millisecond),
	)
	defer l.Dispose()

	l.Check("k")
	clock.Advance(100 * time.Millisecond)

	// Wait for at least one sweep tick to run against the advanced clock.
	deadline := time.After(2 * time.Second)
	for l.Count("k") != 0 {
		select {
		case <-deadline:
			t.Fatal("expired entry was not swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispose_Idempotent(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(time.Minute, 3)

	// Must not panic or block.
	l.Dispose()
	l.Dispose()
	l.Dispose()
}

func TestCheck_Concurrent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	const max = 50
	l := ratelimit.New(time.Minute, max, ratelimit.WithClock(clock.Now))
	defer l.Dispose()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != max {
		t.Errorf("allowed = %d, want exactly %d", allowed, max)
	}
}
