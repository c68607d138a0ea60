package policy

import (
	"sync"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

// Counter tracks tool_calls_this_run. One Counter belongs to one run, so a
// new run always starts from zero.
type Counter struct {
	n  int
	mu sync.Mutex
}

// Load returns the current count.
func (c *Counter) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Verdict is the outcome of Counter.Decide.
type Verdict struct {
	Decision model.Decision
	Reason   string
	// Count is the snapshot the decision was made against.
	Count int
	// Latency covers the Decide call only, not lock acquisition.
	Latency time.Duration
}

// Allowed reports whether the call may proceed.
func (v Verdict) Allowed() bool {
	return v.Decision == model.Allow
}

// Decide snapshots the count, asks p for a decision, and increments the
// count only on allow. Snapshot, decision and increment happen under one
// lock, so concurrent callers cannot both take the last budget slot.
func (c *Counter) Decide(p *Policy, toolName string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := Verdict{Count: c.n}
	start := time.Now()
	v.Decision, v.Reason = p.Decide(toolName, v.Count)
	v.Latency = time.Since(start)

	if v.Allowed() {
		c.n++
	}
	return v
}
