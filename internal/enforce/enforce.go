// Package enforce instruments a single tool call: policy decision, invocation
// with timing and retries, error classification and event emission.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/r3fresh-alm/r3fresh/internal/classify"
	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// TracerName is the OpenTelemetry instrumentation scope for tool spans.
const TracerName = "github.com/r3fresh-alm/r3fresh"

// ErrPermission matches every DeniedError via errors.Is.
var ErrPermission = errors.New("alm: tool denied by policy")

// DeniedError is returned when policy refuses a tool call. The tool was not
// invoked and no budget was consumed.
type DeniedError struct {
	ToolName string
	Reason   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool '%s' denied: %s", e.ToolName, e.Reason)
}

// Is matches ErrPermission and fs.ErrPermission.
func (e *DeniedError) Is(target error) bool {
	return target == ErrPermission || target == fs.ErrPermission
}

func (e *DeniedError) Category() string          { return classify.PermissionError }
func (e *DeniedError) Source() model.ErrorSource { return model.SourcePolicy }

// Structured returns the policy error recorded on tool.response.
func (e *DeniedError) Structured() *model.StructuredError {
	return &model.StructuredError{
		Type:      classify.PermissionError,
		Message:   e.Error(),
		Source:    model.SourcePolicy,
		Retryable: false,
	}
}

// Scope attributes a tool call to a run, or to no run at all.
type Scope interface {
	RunID() string
	// Decide asks policy about toolName and consumes budget on allow. It
	// fails, consuming nothing, once the scope can no longer accept events.
	Decide(toolName string) (policy.Verdict, error)
	// Emit fails once the scope can no longer accept events.
	Emit(build func(b tracer.Builder, runID string) model.Event) error
	// Accumulator may be nil for scopes without a summary.
	Accumulator() *tracer.Accumulator
}

// Func is the instrumented tool body.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Call describes one tool invocation.
type Call struct {
	ToolName string
	Args     map[string]any
	// MaxRetries bounds extra attempts after a retryable failure. 0 means a
	// single attempt.
	MaxRetries int
	// Redactor masks args and results before they are recorded. Nil records
	// them as given.
	Redactor *redact.Redactor
	Logger   *slog.Logger
}

// PanicError wraps a value recovered from a tool that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string    { return fmt.Sprintf("tool panicked: %v", e.Value) }
func (e *PanicError) Category() string { return classify.Panic }

// Invoke runs fn under policy and records the call. A denial returns a
// *DeniedError without calling fn. A scope that has closed returns its error
// and fn is not called. A tool failure is returned unchanged. A panic in fn
// is recorded and then re-raised.
func Invoke(ctx context.Context, scope Scope, call Call, fn Func) (any, error) {
	logger := call.Logger
	if logger == nil {
		logger = slog.Default()
	}
	callID := tracer.NewToolCallID()

	ctx, span := otel.Tracer(TracerName).Start(ctx, "tool "+call.ToolName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("alm.tool.name", call.ToolName),
			attribute.String("alm.tool.call_id", callID),
			attribute.String("alm.run.id", scope.RunID()),
		))
	defer span.End()

	verdict, err := scope.Decide(call.ToolName)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	policyMs := tracer.Millis(verdict.Latency)

	args := call.recordedArgs()
	extra := traceFields(ctx)
	err = scope.Emit(func(b tracer.Builder, runID string) model.Event {
		return b.ToolRequest(runID, call.ToolName, callID, args, 1, extra)
	})
	if err == nil {
		err = scope.Emit(func(b tracer.Builder, runID string) model.Event {
			return b.PolicyDecision(runID, call.ToolName, callID, verdict.Decision, verdict.Reason, policyMs, 1)
		})
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if !verdict.Allowed() {
		denied := &DeniedError{ToolName: call.ToolName, Reason: verdict.Reason}
		emit(scope, logger, func(b tracer.Builder, runID string) model.Event {
			return b.ToolResponse(runID, tracer.ToolOutcome{
				ToolName:        call.ToolName,
				ToolCallID:      callID,
				Status:          model.StatusDenied,
				Attempt:         1,
				PolicyLatencyMs: policyMs,
				TotalLatencyMs:  policyMs,
				Error:           denied.Structured(),
			})
		})
		if acc := scope.Accumulator(); acc != nil {
			acc.RecordDenied(policyMs)
		}
		span.SetAttributes(attribute.String("alm.policy.decision", string(model.Deny)))
		span.SetStatus(codes.Error, denied.Error())
		return nil, denied
	}

	var (
		toolMs  float64
		retries int
		attempt = 1
	)
	for {
		start := time.Now()
		result, panicked, err := runAttempt(ctx, fn, call.Args)
		toolMs += tracer.Millis(time.Since(start))

		outcome := tracer.ToolOutcome{
			ToolName:        call.ToolName,
			ToolCallID:      callID,
			Attempt:         attempt,
			Retries:         retries,
			PolicyLatencyMs: policyMs,
			ToolLatencyMs:   toolMs,
			TotalLatencyMs:  policyMs + toolMs,
		}

		if panicked != nil {
			outcome.Status = model.StatusError
			outcome.Error = classify.Classify(panicked, model.SourceTool)
			outcome.Error.Retryable = false
			finish(scope, logger, outcome)
			span.SetStatus(codes.Error, panicked.Error())
			panic(panicked.Value)
		}

		if err == nil {
			outcome.Status = model.StatusSuccess
			outcome.Result = call.recordedResult(result)
			finish(scope, logger, outcome)
			span.SetStatus(codes.Ok, "")
			return result, nil
		}

		se := classify.Classify(err, model.SourceTool)
		if se.Retryable && attempt <= call.MaxRetries {
			logger.Debug("retrying tool", "tool", call.ToolName, "tool_call_id", callID, "attempt", attempt, "error", err)
			attempt++
			retries++
			continue
		}

		outcome.Status = model.StatusError
		outcome.Error = se
		finish(scope, logger, outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, se.Message)
		return nil, err
	}
}

func (c Call) recordedArgs() map[string]any {
	inputs := redact.Inputs(c.Args)
	if c.Redactor == nil {
		return redact.SafeMap(inputs)
	}
	return c.Redactor.Map(inputs)
}

func (c Call) recordedResult(result any) any {
	if result == nil {
		return nil
	}
	if c.Redactor == nil {
		return redact.Safe(result)
	}
	return c.Redactor.Value(result)
}

// runAttempt calls fn and converts a panic into a *PanicError.
func runAttempt(ctx context.Context, fn Func, args map[string]any) (result any, panicked *PanicError, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = &PanicError{Value: r}
		}
	}()
	result, err = fn(ctx, args)
	return result, nil, err
}

func finish(scope Scope, logger *slog.Logger, o tracer.ToolOutcome) {
	emit(scope, logger, func(b tracer.Builder, runID string) model.Event {
		return b.ToolResponse(runID, o)
	})
	if acc := scope.Accumulator(); acc != nil {
		acc.RecordCompleted(o.Status == model.StatusError, o.ToolLatencyMs, o.PolicyLatencyMs, o.Retries)
	}
}

// emit drops events the scope refuses. The scope has already logged why.
func emit(scope Scope, logger *slog.Logger, build func(b tracer.Builder, runID string) model.Event) {
	if err := scope.Emit(build); err != nil {
		logger.Debug("tool event dropped", "run_id", scope.RunID(), "error", err)
	}
}

// traceFields returns trace_id and span_id when ctx carries a valid span.
func traceFields(ctx context.Context) map[string]any {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return map[string]any{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}
}
