package alm

import (
	"context"
	"errors"

	"github.com/r3fresh-alm/r3fresh/internal/enforce"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
)

// Run is a handle on one agent execution.
type Run struct {
	client *Client
	inner  *lifecycle.Run
	ctx    context.Context
}

// ID returns the run_id.
func (r *Run) ID() string { return r.inner.ID() }

// Purpose returns the purpose given at start.
func (r *Run) Purpose() string { return r.inner.Purpose() }

// ToolCalls returns the number of allowed tool calls so far.
func (r *Run) ToolCalls() int { return r.inner.ToolCalls() }

// Summary returns the final summary once the run has ended.
func (r *Run) Summary() (Summary, bool) { return r.inner.Summary() }

// Handoff records a handoff to another agent within this run.
func (r *Run) Handoff(toAgentID, reason string, data map[string]any) error {
	return r.inner.Handoff(toAgentID, reason, data)
}

// End closes the run with err as its outcome (nil means success), emits
// run.end and flushes. Ending twice returns a *MisuseError.
func (r *Run) End(err error) error {
	return r.inner.End(context.WithoutCancel(r.ctx), err)
}

// StartRun opens a run and returns a context carrying it. The caller must
// call Run.End.
func (c *Client) StartRun(ctx context.Context, purpose string) (context.Context, *Run, error) {
	if c.isClosed() {
		return ctx, nil, c.tracker.Misuse("start run", "client is closed")
	}
	inner := c.tracker.StartRun(purpose)
	ctx = lifecycle.WithRun(ctx, inner)
	return ctx, &Run{client: c, inner: inner, ctx: ctx}, nil
}

// Run opens a run, calls fn and ends the run with fn's outcome. A panic in fn
// ends the run as failed and is then re-raised. The error from fn is returned
// unchanged.
func (c *Client) Run(ctx context.Context, purpose string, fn func(ctx context.Context, run *Run) error) (err error) {
	ctx, run, err := c.StartRun(ctx, purpose)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			run.endScoped(&enforce.PanicError{Value: p})
			panic(p)
		}
	}()

	err = fn(ctx, run)
	run.endScoped(err)
	return err
}

// endScoped ends the run unless fn already did.
func (r *Run) endScoped(err error) {
	if r.inner.State() != lifecycle.StateRunning {
		return
	}
	if endErr := r.End(err); endErr != nil && !errors.Is(endErr, ErrMisuse) {
		r.client.logger.Warn("run end failed", "run_id", r.ID(), "error", endErr)
	}
}

// CurrentRun returns the run carried by ctx, or nil.
func (c *Client) CurrentRun(ctx context.Context) *Run {
	inner := lifecycle.RunFrom(ctx)
	if inner == nil {
		return nil
	}
	return &Run{client: c, inner: inner, ctx: ctx}
}

// Handoff records a handoff in the run carried by ctx.
func (c *Client) Handoff(ctx context.Context, toAgentID, reason string, data map[string]any) error {
	inner := lifecycle.RunFrom(ctx)
	if inner == nil {
		return c.tracker.Misuse("handoff", "no active run in context")
	}
	return inner.Handoff(toAgentID, reason, data)
}
