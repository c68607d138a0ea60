package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/r3fresh-alm/r3fresh/internal/classify"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

func setup(t *testing.T, cfg policy.Config) (*lifecycle.Run, *sink.Recorder) {
	t.Helper()
	rec := &sink.Recorder{}
	tr := lifecycle.New(lifecycle.Options{
		Builder:  tracer.Builder{AgentID: "agent-1", Env: "test"},
		Sink:     rec,
		Policies: policy.NewHolder(policy.New(cfg), "v1"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return tr.StartRun("test"), rec
}

func ok(result any) Func {
	return func(context.Context, map[string]any) (any, error) { return result, nil }
}

func endSummary(t *testing.T, r *lifecycle.Run) tracer.Summary {
	t.Helper()
	if err := r.End(context.Background(), nil); err != nil {
		t.Fatalf("End: %v", err)
	}
	s, _ := r.Summary()
	return s
}

func TestAllowedCallEmitsThreeEventsInOrder(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())

	out, err := Invoke(context.Background(), r, Call{ToolName: "search", Args: map[string]any{"q": "go"}}, ok("result"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "result" {
		t.Errorf("expected result passthrough, got %v", out)
	}

	events := rec.Events()[1:] // skip run.start
	if len(events) != 3 {
		t.Fatalf("expected 3 tool events, got %d", len(events))
	}
	if events[0].EventType != model.ToolRequest || events[1].EventType != model.PolicyDecision || events[2].EventType != model.ToolResponse {
		t.Fatalf("unexpected order: %s %s %s", events[0].EventType, events[1].EventType, events[2].EventType)
	}

	callID := events[0].Metadata["tool_call_id"]
	for _, ev := range events {
		if ev.Metadata["tool_call_id"] != callID {
			t.Errorf("tool_call_id must correlate all events, got %v", ev.Metadata["tool_call_id"])
		}
	}
	args := events[0].Metadata["args"].(map[string]any)
	if args["inputs"].(map[string]any)["q"] != "go" {
		t.Errorf("expected args wrapped in inputs, got %v", args)
	}
	if events[0].Metadata["attempt"] != 1 {
		t.Errorf("expected attempt 1 on request")
	}
	resp := events[2].Metadata
	if resp["status"] != "success" || resp["result"] != "result" {
		t.Errorf("unexpected response %v", resp)
	}
	for _, k := range []string{"policy_latency_ms", "tool_latency_ms", "total_latency_ms"} {
		if _, ok := resp[k]; !ok {
			t.Errorf("missing %s", k)
		}
	}
	total := resp["total_latency_ms"].(float64)
	sum := resp["policy_latency_ms"].(float64) + resp["tool_latency_ms"].(float64)
	if total != sum {
		t.Errorf("total %v != policy+tool %v", total, sum)
	}

	s := endSummary(t, r)
	if s.ToolCalls.Total != 1 || s.ToolCalls.Allowed != 1 {
		t.Errorf("unexpected counts %+v", s.ToolCalls)
	}
}

func TestDeniedToolNotInvoked(t *testing.T) {
	r, rec := setup(t, policy.Config{DeniedTools: []string{"delete"}, DefaultAllow: true})

	var called atomic.Bool
	_, err := Invoke(context.Background(), r, Call{ToolName: "delete"}, func(context.Context, map[string]any) (any, error) {
		called.Store(true)
		return nil, nil
	})

	if called.Load() {
		t.Fatal("denied tool must not be invoked")
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != policy.ReasonExplicitlyDenied {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if !errors.Is(err, ErrPermission) || !errors.Is(err, fs.ErrPermission) {
		t.Error("expected permission-class error")
	}
	if r.ToolCalls() != 0 {
		t.Errorf("denial must not consume budget, got %d", r.ToolCalls())
	}

	resp := rec.OfType(model.ToolResponse)[0].Metadata
	if resp["status"] != "denied" || resp["tool_latency_ms"] != 0.0 {
		t.Errorf("unexpected denied response %v", resp)
	}
	errMeta := resp["error"].(map[string]any)
	if errMeta["source"] != "policy" || errMeta["retryable"] != false || errMeta["type"] != classify.PermissionError {
		t.Errorf("unexpected denial error %v", errMeta)
	}
	if d := rec.OfType(model.PolicyDecision)[0].Metadata; d["decision"] != "deny" || d["reason"] != "explicitly denied" {
		t.Errorf("unexpected decision %v", d)
	}

	s := endSummary(t, r)
	if s.ToolCalls.Denied != 1 || s.ToolCalls.Total != 1 || s.ToolCalls.Allowed != 0 {
		t.Errorf("unexpected counts %+v", s.ToolCalls)
	}
}

func TestBudgetOfOneSecondCallDenied(t *testing.T) {
	r, rec := setup(t, policy.Config{DefaultAllow: true, MaxToolCallsPerRun: policy.Limit(1)})

	if _, err := Invoke(context.Background(), r, Call{ToolName: "search"}, ok(1)); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := Invoke(context.Background(), r, Call{ToolName: "search"}, ok(2))
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != "budget exceeded" {
		t.Fatalf("expected budget denial, got %v", err)
	}

	decisions := rec.OfType(model.PolicyDecision)
	if decisions[0].Metadata["decision"] != "allow" || decisions[1].Metadata["reason"] != "budget exceeded" {
		t.Errorf("unexpected decisions %v / %v", decisions[0].Metadata, decisions[1].Metadata)
	}
	s := endSummary(t, r)
	if s.ToolCalls.Total != s.ToolCalls.Allowed+s.ToolCalls.Denied || s.ToolCalls.Total != 2 {
		t.Errorf("total must equal allowed+denied, got %+v", s.ToolCalls)
	}
}

func TestConnectionErrorNoRetries(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())
	connErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	var calls atomic.Int32
	_, err := Invoke(context.Background(), r, Call{ToolName: "fetch"}, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, connErr
	})

	if err != connErr {
		t.Fatalf("expected original error returned unchanged, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected single attempt with max_retries=0, got %d", calls.Load())
	}
	resp := rec.OfType(model.ToolResponse)[0].Metadata
	if resp["status"] != "error" || resp["attempt"] != 1 || resp["retries"] != 0 {
		t.Errorf("unexpected response %v", resp)
	}
	errMeta := resp["error"].(map[string]any)
	if errMeta["retryable"] != true || errMeta["type"] != classify.ConnectionError || errMeta["source"] != "tool" {
		t.Errorf("unexpected error %v", errMeta)
	}

	s := endSummary(t, r)
	if s.ToolCalls.Error != 1 || s.ToolCalls.Allowed != 1 || s.ToolCalls.Total != 1 {
		t.Errorf("error is a subset of allowed, got %+v", s.ToolCalls)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())

	var calls atomic.Int32
	out, err := Invoke(context.Background(), r, Call{ToolName: "fetch", MaxRetries: 3}, func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("gateway timeout")
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("expected success after retries, got %v %v", out, err)
	}

	resp := rec.OfType(model.ToolResponse)
	if len(resp) != 1 {
		t.Fatalf("expected one tool.response per call, got %d", len(resp))
	}
	if resp[0].Metadata["attempt"] != 3 || resp[0].Metadata["retries"] != 2 {
		t.Errorf("unexpected attempt/retries %v", resp[0].Metadata)
	}
	if r.ToolCalls() != 1 {
		t.Errorf("retries must not consume extra budget, got %d", r.ToolCalls())
	}
	if s := endSummary(t, r); s.ToolCalls.Retried != 2 {
		t.Errorf("expected retried=2, got %d", s.ToolCalls.Retried)
	}
}

func TestRetriesExhausted(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())

	var calls atomic.Int32
	_, err := Invoke(context.Background(), r, Call{ToolName: "fetch", MaxRetries: 2}, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	resp := rec.OfType(model.ToolResponse)[0].Metadata
	if resp["attempt"] != 3 || resp["retries"] != 2 || resp["status"] != "error" {
		t.Errorf("unexpected response %v", resp)
	}
	s := endSummary(t, r)
	if s.ToolCalls.Error != 1 || s.ToolCalls.Retried != 2 {
		t.Errorf("unexpected counts %+v", s.ToolCalls)
	}
}

func TestNonRetryableErrorNotRetried(t *testing.T) {
	r, _ := setup(t, policy.DefaultConfig())

	var calls atomic.Int32
	_, _ = Invoke(context.Background(), r, Call{ToolName: "parse", MaxRetries: 5}, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("invalid input")
	})
	if calls.Load() != 1 {
		t.Errorf("expected no retries for non-retryable error, got %d calls", calls.Load())
	}
}

func TestPanicRecordedAndReraised(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())

	defer func() {
		v := recover()
		if v != "kaboom" {
			t.Fatalf("expected original panic value, got %v", v)
		}
		resp := rec.OfType(model.ToolResponse)[0].Metadata
		errMeta := resp["error"].(map[string]any)
		if resp["status"] != "error" || errMeta["type"] != classify.Panic {
			t.Errorf("unexpected panic response %v", resp)
		}
	}()

	_, _ = Invoke(context.Background(), r, Call{ToolName: "crash"}, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
}

func TestArgsAndResultRedacted(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())
	call := Call{
		ToolName: "login",
		Args:     map[string]any{"user": "alice", "password": "hunter2"},
		Redactor: redact.New(),
	}
	var seen map[string]any
	_, err := Invoke(context.Background(), r, call, func(_ context.Context, args map[string]any) (any, error) {
		seen = args
		return map[string]any{"session_token": "abc", "ok": true}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen["password"] != "hunter2" {
		t.Error("the tool must receive unredacted args")
	}
	inputs := rec.OfType(model.ToolRequest)[0].Metadata["args"].(map[string]any)["inputs"].(map[string]any)
	if inputs["password"] != redact.Mask || inputs["user"] != "alice" {
		t.Errorf("unexpected recorded args %v", inputs)
	}
	result := rec.OfType(model.ToolResponse)[0].Metadata["result"].(map[string]any)
	if result["session_token"] != redact.Mask {
		t.Errorf("expected result redacted, got %v", result)
	}
}

func TestTraceIDsRecorded(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	if _, err := Invoke(ctx, r, Call{ToolName: "search"}, ok(nil)); err != nil {
		t.Fatal(err)
	}
	meta := rec.OfType(model.ToolRequest)[0].Metadata
	if meta["trace_id"] != traceID.String() {
		t.Errorf("expected trace_id %s, got %v", traceID, meta["trace_id"])
	}
	if _, ok := meta["span_id"]; !ok {
		t.Error("expected span_id")
	}

	_, _ = Invoke(context.Background(), r, Call{ToolName: "search"}, ok(nil))
	if _, ok := rec.OfType(model.ToolRequest)[1].Metadata["trace_id"]; ok {
		t.Error("no trace_id without a span in context")
	}
}

func TestInvokeOnEndedRun(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())
	_ = r.End(context.Background(), nil)
	before := len(rec.Events())

	var called atomic.Bool
	_, err := Invoke(context.Background(), r, Call{ToolName: "search"}, func(context.Context, map[string]any) (any, error) {
		called.Store(true)
		return nil, nil
	})
	if !errors.Is(err, lifecycle.ErrMisuse) {
		t.Fatalf("expected misuse, got %v", err)
	}
	if called.Load() || len(rec.Events()) != before {
		t.Error("nothing may run or be emitted after run.end")
	}
	if r.ToolCalls() != 0 {
		t.Errorf("ended run must not consume budget, got %d", r.ToolCalls())
	}
}

// closingScope allows every call but accepts only the first n events, like
// a run that ends while a call is in flight.
type closingScope struct {
	rec    *sink.Recorder
	remain int
}

func (s *closingScope) RunID() string { return "run-1" }

func (s *closingScope) Decide(string) (policy.Verdict, error) {
	return policy.Verdict{Decision: model.Allow, Reason: "allowed"}, nil
}

func (s *closingScope) Emit(build func(b tracer.Builder, runID string) model.Event) error {
	if s.remain == 0 {
		return &lifecycle.MisuseError{Op: "emit", Reason: "run ended"}
	}
	s.remain--
	s.rec.Accept(build(tracer.Builder{AgentID: "agent-1"}, "run-1"))
	return nil
}

func (s *closingScope) Accumulator() *tracer.Accumulator { return nil }

func TestToolNotRunWhenDecisionRefused(t *testing.T) {
	scope := &closingScope{rec: &sink.Recorder{}, remain: 1}

	var called atomic.Bool
	_, err := Invoke(context.Background(), scope, Call{ToolName: "search"}, func(context.Context, map[string]any) (any, error) {
		called.Store(true)
		return nil, nil
	})
	if !errors.Is(err, lifecycle.ErrMisuse) {
		t.Fatalf("expected misuse, got %v", err)
	}
	if called.Load() {
		t.Error("tool must not run once policy.decision is refused")
	}
	if got := scope.rec.Events(); len(got) != 1 || got[0].EventType != model.ToolRequest {
		t.Errorf("expected only tool.request recorded, got %v", len(got))
	}
}

func TestUnredactedResultMadeEncodable(t *testing.T) {
	r, rec := setup(t, policy.DefaultConfig())
	_, err := Invoke(context.Background(), r, Call{ToolName: "score"}, ok(map[string]any{"score": math.Inf(1)}))
	if err != nil {
		t.Fatal(err)
	}
	resp := rec.OfType(model.ToolResponse)[0]
	if _, err := json.Marshal(resp); err != nil {
		t.Fatalf("tool.response must encode: %v", err)
	}
	if got := resp.Metadata["result"].(map[string]any)["score"]; got != "+Inf" {
		t.Errorf("expected +Inf string, got %v", got)
	}
}

func TestDetachedCallHasNullRunID(t *testing.T) {
	rec := &sink.Recorder{}
	tr := lifecycle.New(lifecycle.Options{Sink: rec, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	if _, err := Invoke(context.Background(), tr.Detached(), Call{ToolName: "search"}, ok(1)); err != nil {
		t.Fatal(err)
	}
	for _, ev := range rec.Events() {
		if ev.RunID != nil {
			t.Errorf("expected null run_id outside a run, got %s", *ev.RunID)
		}
	}
}

func TestConcurrentCallsRespectBudget(t *testing.T) {
	r, _ := setup(t, policy.Config{DefaultAllow: true, MaxToolCallsPerRun: policy.Limit(5)})

	var wg sync.WaitGroup
	var allowed, denied atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Invoke(context.Background(), r, Call{ToolName: fmt.Sprintf("t%d", i%3)}, ok(i))
			if err == nil {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if allowed.Load() != 5 || denied.Load() != 35 {
		t.Errorf("expected 5 allowed and 35 denied, got %d/%d", allowed.Load(), denied.Load())
	}
	s := endSummary(t, r)
	if s.ToolCalls.Total != 40 || s.ToolCalls.Allowed != 5 || s.ToolCalls.Denied != 35 {
		t.Errorf("unexpected summary %+v", s.ToolCalls)
	}
}
