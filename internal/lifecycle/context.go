package lifecycle

import "context"

type runKey struct{}
type taskKey struct{}

// WithRun returns ctx carrying r. Any task in ctx is cleared.
func WithRun(ctx context.Context, r *Run) context.Context {
	ctx = context.WithValue(ctx, runKey{}, r)
	return context.WithValue(ctx, taskKey{}, (*Task)(nil))
}

// RunFrom returns the run carried by ctx, or nil.
func RunFrom(ctx context.Context) *Run {
	r, _ := ctx.Value(runKey{}).(*Run)
	return r
}

// WithTask returns ctx carrying t and its run.
func WithTask(ctx context.Context, t *Task) context.Context {
	ctx = context.WithValue(ctx, runKey{}, t.run)
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFrom returns the innermost task carried by ctx, or nil.
func TaskFrom(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}
