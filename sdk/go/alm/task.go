package alm

import (
	"context"

	"github.com/r3fresh-alm/r3fresh/internal/enforce"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
)

// Task is a handle on a unit of work inside a run.
type Task struct {
	client *Client
	inner  *lifecycle.Task
}

// ID returns the task_id.
func (t *Task) ID() string { return t.inner.ID() }

// ParentID returns the enclosing task's id, or "" for a top-level task.
func (t *Task) ParentID() string { return t.inner.ParentID() }

// End closes the task with err as its outcome. nil means success.
func (t *Task) End(err error) error { return t.inner.End(err) }

// StartTask opens a task in the run carried by ctx, nested under the task
// ctx carries if any. It returns a *MisuseError when ctx has no run.
func (c *Client) StartTask(ctx context.Context, taskType, description string) (context.Context, *Task, error) {
	run := lifecycle.RunFrom(ctx)
	if run == nil {
		return ctx, nil, c.tracker.Misuse("start task", "no active run in context")
	}
	parent := lifecycle.TaskFrom(ctx)
	if parent != nil && parent.Run() != run {
		parent = nil
	}
	inner, err := run.StartTask(taskType, description, parent)
	if err != nil {
		return ctx, nil, err
	}
	return lifecycle.WithTask(ctx, inner), &Task{client: c, inner: inner}, nil
}

// Task opens a task, calls fn and ends the task with fn's outcome. A panic in
// fn fails the task and is re-raised. The error from fn is returned unchanged.
func (c *Client) Task(ctx context.Context, taskType, description string, fn func(ctx context.Context) error) error {
	ctx, task, err := c.StartTask(ctx, taskType, description)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			task.endScoped(&enforce.PanicError{Value: p})
			panic(p)
		}
	}()

	err = fn(ctx)
	task.endScoped(err)
	return err
}

// endScoped ends the task unless fn already did. Child tasks left open are
// failed first.
func (t *Task) endScoped(err error) {
	if t.inner.State() != lifecycle.StateRunning {
		return
	}
	if endErr := t.inner.EndWithChildren(err); endErr != nil {
		t.client.logger.Warn("task end failed", "task_id", t.ID(), "error", endErr)
	}
}
