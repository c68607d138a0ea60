// Package lifecycle owns run and task state. Every event attributed to a run
// passes through its Run so that run.start is always first and run.end is
// always last for that run_id. Events are staged on the sink under the run
// lock and any delivery they trigger runs after it is released.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/classify"
	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// State is a run or task state.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether s is succeeded or failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// OrphanedTaskMessage is the error recorded on tasks force-closed by Run.End.
const OrphanedTaskMessage = "task outlived its run"

// OrphanedChildMessage is the error recorded on child tasks force-closed by
// Task.EndWithChildren.
const OrphanedChildMessage = "task outlived its parent"

// Options configures a Tracker.
type Options struct {
	Builder  tracer.Builder
	Sink     sink.Sink
	Policies *policy.Holder
	// PolicyVersion overrides the policy hash on emitted events when set.
	PolicyVersion string
	Logger        *slog.Logger
}

// Tracker creates runs and owns the detached scope for tool calls made
// outside any run.
type Tracker struct {
	builder       tracer.Builder
	sink          sink.Sink
	policies      *policy.Holder
	policyVersion string
	logger        *slog.Logger

	detached *Detached

	mu     sync.Mutex
	active map[string]*Run
}

// New creates a Tracker. A nil Sink discards events; a nil Holder serves the
// default policy.
func New(opts Options) *Tracker {
	t := &Tracker{
		builder:       opts.Builder,
		sink:          opts.Sink,
		policies:      opts.Policies,
		policyVersion: opts.PolicyVersion,
		logger:        opts.Logger,
		active:        make(map[string]*Run),
	}
	if t.sink == nil {
		t.sink = sink.Discard{}
	}
	if t.policies == nil {
		t.policies = &policy.Holder{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.detached = &Detached{tracker: t}
	return t
}

// Sink returns the tracker's sink.
func (t *Tracker) Sink() sink.Sink { return t.sink }

// Logger returns the tracker's logger.
func (t *Tracker) Logger() *slog.Logger { return t.logger }

// Detached returns the scope for tool calls outside any run.
func (t *Tracker) Detached() *Detached { return t.detached }

// ActiveRuns returns the number of runs not yet ended.
func (t *Tracker) ActiveRuns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// snapshot returns the current policy and the builder stamped with its version.
func (t *Tracker) snapshot() (*policy.Policy, tracer.Builder) {
	snap := t.policies.Load()
	version := t.policyVersion
	if version == "" {
		version = snap.Version
	}
	return snap.Policy, t.builder.WithPolicyVersion(version)
}

// StartRun opens a run and emits run.start. The run keeps the policy that is
// active now for its whole lifetime.
func (t *Tracker) StartRun(purpose string) *Run {
	p, b := t.snapshot()
	now := b.Now()
	r := &Run{
		id:      tracer.NewRunID(),
		purpose: purpose,
		tracker: t,
		builder: b,
		policy:  p,
		acc:     tracer.NewAccumulator(now),
		state:   StateCreated,
		start:   now,
	}

	t.mu.Lock()
	t.active[r.id] = r
	t.mu.Unlock()

	r.mu.Lock()
	r.state = StateRunning
	deliver := r.stageLocked(b.RunStart(r.id, purpose))
	r.mu.Unlock()
	runDeliveries(deliver)
	return r
}

func (t *Tracker) forget(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

// Misuse logs and returns a MisuseError for callers that detect misuse
// before reaching a run, such as a task requested with no run in scope.
func (t *Tracker) Misuse(op, reason string) *MisuseError {
	return t.reportMisuse(&MisuseError{Op: op, Reason: reason})
}

func (t *Tracker) reportMisuse(err *MisuseError, attrs ...any) *MisuseError {
	t.logger.Error("lifecycle misuse", append([]any{"op", err.Op, "reason", err.Reason}, attrs...)...)
	return err
}

// Run is one lifecycle span. All methods are safe for concurrent use.
type Run struct {
	id      string
	purpose string
	tracker *Tracker
	builder tracer.Builder
	policy  *policy.Policy
	counter policy.Counter
	acc     *tracer.Accumulator

	mu      sync.Mutex
	state   State
	start   time.Time
	end     time.Time
	taskIDs []string
	open    []*Task
	summary tracer.Summary
}

// ID returns the run_id.
func (r *Run) ID() string { return r.id }

// RunID implements the tool-call scope.
func (r *Run) RunID() string { return r.id }

// Purpose returns the purpose given at start.
func (r *Run) Purpose() string { return r.purpose }

// Policy returns the policy snapshot taken at start.
func (r *Run) Policy() *policy.Policy { return r.policy }

// Accumulator returns the run's summary accumulator.
func (r *Run) Accumulator() *tracer.Accumulator { return r.acc }

// ToolCalls returns tool_calls_this_run.
func (r *Run) ToolCalls() int { return r.counter.Load() }

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartTime returns when the run started.
func (r *Run) StartTime() time.Time { return r.start }

// EndTime returns when the run ended, or zero while running.
func (r *Run) EndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// TaskIDs returns the ids of every task started in this run, in start order.
func (r *Run) TaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.taskIDs...)
}

// Summary returns the finalized summary once the run has ended.
func (r *Run) Summary() (tracer.Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, r.state.Terminal()
}

// Decide asks the run's policy about toolName and consumes budget on allow.
// Once the run has ended it returns a MisuseError and leaves the budget
// untouched.
func (r *Run) Decide(toolName string) (policy.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return policy.Verdict{}, r.tracker.reportMisuse(misuse("decide", "run %s is %s", r.id, r.state), "run_id", r.id, "tool", toolName)
	}
	return r.counter.Decide(r.policy, toolName), nil
}

// Emit builds and stages one event under the run lock. It fails with a
// MisuseError once the run has ended, so nothing follows run.end.
func (r *Run) Emit(build func(b tracer.Builder, runID string) model.Event) error {
	r.mu.Lock()
	if r.state != StateRunning {
		state := r.state
		r.mu.Unlock()
		return r.tracker.reportMisuse(misuse("emit", "run %s is %s", r.id, state), "run_id", r.id)
	}
	deliver := r.stageLocked(build(r.builder, r.id))
	r.mu.Unlock()
	runDeliveries(deliver)
	return nil
}

// stageLocked hands ev to the sink in run order. Caller holds r.mu and runs
// the returned delivery after releasing it.
func (r *Run) stageLocked(ev model.Event) func() {
	return sink.Stage(r.tracker.sink, ev)
}

func runDeliveries(fns ...func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// StartTask opens a task in this run. parent may be nil; a non-nil parent
// must belong to this run and still be running.
func (r *Run) StartTask(taskType, description string, parent *Task) (*Task, error) {
	r.mu.Lock()
	t, deliver, err := r.startTaskLocked(taskType, description, parent)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	runDeliveries(deliver)
	return t, nil
}

func (r *Run) startTaskLocked(taskType, description string, parent *Task) (*Task, func(), error) {
	if r.state != StateRunning {
		return nil, nil, r.tracker.reportMisuse(misuse("start task", "run %s is %s", r.id, r.state), "run_id", r.id)
	}
	parentID := ""
	if parent != nil {
		if parent.run != r {
			return nil, nil, r.tracker.reportMisuse(misuse("start task", "parent task %s belongs to another run", parent.id), "run_id", r.id)
		}
		if parent.state != StateRunning {
			return nil, nil, r.tracker.reportMisuse(misuse("start task", "parent task %s is %s", parent.id, parent.state), "run_id", r.id)
		}
		parentID = parent.id
		parent.openChildren++
	}

	t := &Task{
		id:          tracer.NewTaskID(),
		taskType:    taskType,
		description: description,
		run:         r,
		parent:      parent,
		state:       StateRunning,
		start:       r.builder.Now(),
	}
	r.taskIDs = append(r.taskIDs, t.id)
	r.open = append(r.open, t)
	return t, r.stageLocked(r.builder.TaskStart(r.id, t.id, taskType, description, parentID)), nil
}

// Handoff records an agent-to-agent handoff.
func (r *Run) Handoff(toAgentID, reason string, data map[string]any) error {
	data = redact.SafeMap(data)
	r.mu.Lock()
	if r.state != StateRunning {
		state := r.state
		r.mu.Unlock()
		return r.tracker.reportMisuse(misuse("handoff", "run %s is %s", r.id, state), "run_id", r.id)
	}
	r.acc.RecordHandoff()
	deliver := r.stageLocked(r.builder.Handoff(r.id, toAgentID, reason, data))
	r.mu.Unlock()
	runDeliveries(deliver)
	return nil
}

// End closes the run, emits run.end and flushes the sink. A nil err means
// success. Tasks still open are closed as failed first. Calling End twice
// returns a MisuseError.
func (r *Run) End(ctx context.Context, err error) error {
	r.mu.Lock()
	if r.state != StateRunning {
		state := r.state
		r.mu.Unlock()
		return r.tracker.reportMisuse(misuse("end run", "run %s is already %s", r.id, state), "run_id", r.id)
	}

	deliveries := r.closeOrphansLocked()

	var runErr *model.StructuredError
	success := err == nil
	if success {
		r.state = StateSucceeded
	} else {
		r.state = StateFailed
		runErr = classify.ClassifyAs(err, model.SourceAgent)
	}
	r.end = r.builder.Now()
	r.summary = r.acc.Finalize(r.end)
	deliveries = append(deliveries, r.stageLocked(r.builder.RunEnd(r.id, success, runErr, r.summary)))
	r.mu.Unlock()

	runDeliveries(deliveries...)
	r.tracker.forget(r.id)
	r.tracker.sink.Flush(ctx)
	return nil
}

// closeOrphansLocked fails every open task, innermost first, and returns the
// staged deliveries of their task.end events.
func (r *Run) closeOrphansLocked() []func() {
	if len(r.open) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.open))
	deliveries := make([]func(), 0, len(r.open)+1)
	for i := len(r.open) - 1; i >= 0; i-- {
		t := r.open[i]
		ids = append(ids, t.id)
		se := &model.StructuredError{
			Type:    "OrphanedTask",
			Message: OrphanedTaskMessage,
			Source:  model.SourceSystem,
		}
		deliveries = append(deliveries, t.finishLocked(false, se))
	}
	r.open = nil
	r.tracker.logger.Error("run ended with open tasks", "run_id", r.id, "task_ids", ids)
	return deliveries
}

// Task is a unit of work inside a run.
type Task struct {
	id          string
	taskType    string
	description string
	run         *Run
	parent      *Task

	// Guarded by run.mu.
	state        State
	start        time.Time
	end          time.Time
	err          *model.StructuredError
	openChildren int
}

// ID returns the task_id.
func (t *Task) ID() string { return t.id }

// Type returns the task_type.
func (t *Task) Type() string { return t.taskType }

// Run returns the owning run.
func (t *Task) Run() *Run { return t.run }

// ParentID returns the parent task id, or "" for a top-level task.
func (t *Task) ParentID() string {
	if t.parent == nil {
		return ""
	}
	return t.parent.id
}

// State returns the current state.
func (t *Task) State() State {
	t.run.mu.Lock()
	defer t.run.mu.Unlock()
	return t.state
}

// Err returns the recorded error of a failed task.
func (t *Task) Err() *model.StructuredError {
	t.run.mu.Lock()
	defer t.run.mu.Unlock()
	return t.err
}

// End closes the task and emits task.end. It returns a MisuseError when the
// run has already ended, when the task was already ended, or when one of its
// child tasks is still open. A MisuseError emits nothing.
func (t *Task) End(err error) error {
	r := t.run
	r.mu.Lock()
	deliver, misuseErr := t.endLocked(err)
	r.mu.Unlock()
	if misuseErr != nil {
		return misuseErr
	}
	runDeliveries(deliver)
	return nil
}

// EndWithChildren is End for a task that must finish on every exit path.
// Child tasks still open under t are failed first, innermost first.
func (t *Task) EndWithChildren(err error) error {
	r := t.run
	r.mu.Lock()
	var deliveries []func()
	if r.state == StateRunning && t.state == StateRunning {
		deliveries = t.closeChildrenLocked()
	}
	deliver, misuseErr := t.endLocked(err)
	r.mu.Unlock()
	runDeliveries(append(deliveries, deliver)...)
	return misuseErr
}

func (t *Task) closeChildrenLocked() []func() {
	r := t.run
	var (
		ids        []string
		deliveries []func()
		kept       = r.open[:0]
	)
	for i := len(r.open) - 1; i >= 0; i-- {
		open := r.open[i]
		if open != t && open.descendsFrom(t) {
			ids = append(ids, open.id)
			deliveries = append(deliveries, open.finishLocked(false, &model.StructuredError{
				Type:    "OrphanedTask",
				Message: OrphanedChildMessage,
				Source:  model.SourceSystem,
			}))
		}
	}
	if len(ids) == 0 {
		return nil
	}
	for _, open := range r.open {
		if open.state == StateRunning {
			kept = append(kept, open)
		}
	}
	r.open = kept
	r.tracker.logger.Error("task ended with open child tasks", "run_id", r.id, "task_id", t.id, "child_task_ids", ids)
	return deliveries
}

func (t *Task) descendsFrom(ancestor *Task) bool {
	for p := t.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func (t *Task) endLocked(err error) (func(), error) {
	r := t.run
	if r.state != StateRunning {
		return nil, r.tracker.reportMisuse(misuse("end task", "run %s is %s", r.id, r.state), "run_id", r.id, "task_id", t.id)
	}
	if t.state != StateRunning {
		return nil, r.tracker.reportMisuse(misuse("end task", "task %s is already %s", t.id, t.state), "run_id", r.id, "task_id", t.id)
	}
	if t.openChildren > 0 {
		return nil, r.tracker.reportMisuse(misuse("end task", "task %s has %d open child tasks", t.id, t.openChildren), "run_id", r.id, "task_id", t.id)
	}

	deliver := t.finishLocked(err == nil, classify.ClassifyAs(err, model.SourceAgent))
	for i, open := range r.open {
		if open == t {
			r.open = append(r.open[:i], r.open[i+1:]...)
			break
		}
	}
	return deliver, nil
}

// finishLocked records the terminal state and stages task.end. Caller holds
// run.mu.
func (t *Task) finishLocked(success bool, se *model.StructuredError) func() {
	r := t.run
	if success {
		t.state = StateSucceeded
	} else {
		t.state = StateFailed
	}
	t.err = se
	t.end = r.builder.Now()
	if t.parent != nil {
		t.parent.openChildren--
	}
	r.acc.RecordTask(success)
	return r.stageLocked(r.builder.TaskEnd(r.id, t.id, success, se))
}

// Detached is the scope for tool calls made outside any run. Events carry a
// null run_id, budget is counted per tracker and no summary is kept.
type Detached struct {
	tracker *Tracker
	counter policy.Counter
}

// RunID returns "".
func (d *Detached) RunID() string { return "" }

// Decide uses the policy active right now. It never fails.
func (d *Detached) Decide(toolName string) (policy.Verdict, error) {
	p, _ := d.tracker.snapshot()
	return d.counter.Decide(p, toolName), nil
}

// Emit accepts the event directly.
func (d *Detached) Emit(build func(b tracer.Builder, runID string) model.Event) error {
	_, b := d.tracker.snapshot()
	d.tracker.sink.Accept(build(b, ""))
	return nil
}

// Accumulator returns nil; detached calls are not summarized.
func (d *Detached) Accumulator() *tracer.Accumulator { return nil }
