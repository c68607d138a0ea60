package alm

import (
	"context"

	"github.com/r3fresh-alm/r3fresh/internal/enforce"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
)

// ToolFunc is the function signature a Tool wraps.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is an instrumented tool. Every Invoke is checked against policy and
// recorded as tool.request, policy.decision and tool.response.
type Tool struct {
	client *Client
	name   string
	fn     ToolFunc
	cfg    toolConfig
}

// Tool wraps fn under name. The policy sees name.
func (c *Client) Tool(name string, fn ToolFunc, opts ...ToolOption) *Tool {
	t := &Tool{client: c, name: name, fn: fn}
	for _, o := range opts {
		o(&t.cfg)
	}
	return t
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Invoke runs the tool in the run carried by ctx, or outside any run when
// there is none. A denial returns a *DeniedError without calling the tool.
// A tool error is returned unchanged.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var scope enforce.Scope = t.client.tracker.Detached()
	if run := lifecycle.RunFrom(ctx); run != nil {
		scope = run
	}
	return enforce.Invoke(ctx, scope, enforce.Call{
		ToolName:   t.name,
		Args:       args,
		MaxRetries: t.cfg.maxRetries,
		Redactor:   t.client.redactor,
		Logger:     t.client.logger,
	}, enforce.Func(t.fn))
}
