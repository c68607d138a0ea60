package policy

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestCounterIncrementsOnlyOnAllow(t *testing.T) {
	p := New(Config{DeniedTools: []string{"delete"}, DefaultAllow: true})
	var c Counter

	if v := c.Decide(p, "delete"); v.Allowed() {
		t.Fatal("expected deny")
	}
	if c.Load() != 0 {
		t.Errorf("denial must not consume budget, count=%d", c.Load())
	}

	if v := c.Decide(p, "search"); !v.Allowed() || v.Count != 0 {
		t.Fatalf("expected allow against snapshot 0, got %+v", v)
	}
	if c.Load() != 1 {
		t.Errorf("expected count 1 after allow, got %d", c.Load())
	}
}

func TestCounterBudgetSecondCallDenied(t *testing.T) {
	p := New(Config{DefaultAllow: true, MaxToolCallsPerRun: Limit(1)})
	var c Counter

	first := c.Decide(p, "search")
	second := c.Decide(p, "search")

	if !first.Allowed() {
		t.Fatalf("first call should be allowed, got %s", first.Reason)
	}
	if second.Allowed() || second.Reason != ReasonBudgetExceeded {
		t.Fatalf("second call should be denied for budget, got %+v", second)
	}
	if c.Load() != 1 {
		t.Errorf("expected count 1, got %d", c.Load())
	}
}

func TestCounterConcurrentBudget(t *testing.T) {
	const limit = 10
	p := New(Config{DefaultAllow: true, MaxToolCallsPerRun: Limit(limit)})
	var c Counter
	var allowed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Decide(p, "search").Allowed() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != limit {
		t.Errorf("expected exactly %d allowed calls, got %d", limit, allowed.Load())
	}
	if c.Load() != limit {
		t.Errorf("expected count %d, got %d", limit, c.Load())
	}
}
