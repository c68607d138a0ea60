package tracer

import (
	"sync"
	"time"
)

// ToolCallCounts tallies tool calls by outcome. Total is Allowed + Denied;
// Error is a subset of Allowed.
type ToolCallCounts struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Error   int `json:"error"`
	Retried int `json:"retried"`
}

// Latencies are run-level latency aggregates in milliseconds.
type Latencies struct {
	AvgToolMs   float64 `json:"avg_tool_ms"`
	AvgPolicyMs float64 `json:"avg_policy_ms"`
	TotalRunMs  float64 `json:"total_run_ms"`
}

// TaskCounts tallies closed tasks.
type TaskCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Summary is the run.end summary.
type Summary struct {
	ToolCalls ToolCallCounts `json:"tool_calls"`
	Latencies Latencies      `json:"latencies"`
	Tasks     TaskCounts     `json:"tasks"`
	Handoffs  int            `json:"handoffs"`
}

// ToMap renders the summary as event metadata.
func (s Summary) ToMap() map[string]any {
	return map[string]any{
		"tool_calls": map[string]any{
			"total":   s.ToolCalls.Total,
			"allowed": s.ToolCalls.Allowed,
			"denied":  s.ToolCalls.Denied,
			"error":   s.ToolCalls.Error,
			"retried": s.ToolCalls.Retried,
		},
		"latencies": map[string]any{
			"avg_tool_ms":   s.Latencies.AvgToolMs,
			"avg_policy_ms": s.Latencies.AvgPolicyMs,
			"total_run_ms":  s.Latencies.TotalRunMs,
		},
		"tasks": map[string]any{
			"completed": s.Tasks.Completed,
			"failed":    s.Tasks.Failed,
		},
		"handoffs": s.Handoffs,
	}
}

// Accumulator collects per-run counters incrementally and freezes them once
// at run close. Updates after Finalize are ignored.
type Accumulator struct {
	start        time.Time
	counts       ToolCallCounts
	tasks        TaskCounts
	handoffs     int
	toolMsSum    float64
	policyMsSum  float64
	invokedCalls int
	decidedCalls int
	final        *Summary
	mu           sync.Mutex
}

// NewAccumulator starts an accumulator for a run that began at start.
func NewAccumulator(start time.Time) *Accumulator {
	return &Accumulator{start: start}
}

// RecordDenied counts a call the policy engine refused.
func (a *Accumulator) RecordDenied(policyMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final != nil {
		return
	}
	a.counts.Total++
	a.counts.Denied++
	a.policyMsSum += policyMs
	a.decidedCalls++
}

// RecordCompleted counts an allowed call that reached a terminal status.
// toolMs is the sum across attempts; retries is the retry count consumed.
func (a *Accumulator) RecordCompleted(failed bool, toolMs, policyMs float64, retries int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final != nil {
		return
	}
	a.counts.Total++
	a.counts.Allowed++
	if failed {
		a.counts.Error++
	}
	a.counts.Retried += retries
	a.toolMsSum += toolMs
	a.policyMsSum += policyMs
	a.invokedCalls++
	a.decidedCalls++
}

// RecordTask counts a closed task.
func (a *Accumulator) RecordTask(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final != nil {
		return
	}
	if success {
		a.tasks.Completed++
	} else {
		a.tasks.Failed++
	}
}

// RecordHandoff counts a handoff.
func (a *Accumulator) RecordHandoff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final != nil {
		return
	}
	a.handoffs++
}

// Snapshot returns the running summary measured up to now. After Finalize
// it returns the frozen summary.
func (a *Accumulator) Snapshot(now time.Time) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final != nil {
		return *a.final
	}
	return a.summaryLocked(now)
}

// Finalize freezes the summary at end. Only the first call computes it.
func (a *Accumulator) Finalize(end time.Time) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final == nil {
		s := a.summaryLocked(end)
		a.final = &s
	}
	return *a.final
}

// Finalized reports whether Finalize has been called.
func (a *Accumulator) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final != nil
}

func (a *Accumulator) summaryLocked(end time.Time) Summary {
	s := Summary{
		ToolCalls: a.counts,
		Tasks:     a.tasks,
		Handoffs:  a.handoffs,
	}
	if a.invokedCalls > 0 {
		s.Latencies.AvgToolMs = a.toolMsSum / float64(a.invokedCalls)
	}
	if a.decidedCalls > 0 {
		s.Latencies.AvgPolicyMs = a.policyMsSum / float64(a.decidedCalls)
	}
	if d := end.Sub(a.start); d > 0 {
		s.Latencies.TotalRunMs = Millis(d)
	}
	return s
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
