package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

func testEvent(t model.EventType, id string) model.Event {
	run := "run-1"
	return model.Event{
		EventID:       id,
		Timestamp:     "2026-01-01T00:00:00.000Z",
		EventType:     t,
		AgentID:       "agent",
		Env:           "test",
		RunID:         &run,
		SchemaVersion: model.SchemaVersion,
		SDKVersion:    model.SDKVersion,
		Metadata:      map[string]any{},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encode(t *testing.T, events ...model.Event) []json.RawMessage {
	t.Helper()
	batch, err := Encode(events...)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return batch
}

// fakeTransport records batches and fails while failing is set.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	failing bool
	closed  bool
}

func (f *fakeTransport) Send(_ context.Context, batch []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]json.RawMessage(nil), batch...))
	if f.failing {
		return errors.New("collector unreachable")
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestLineSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	s := NewLineSink(&buf, quietLogger())

	s.Accept(testEvent(model.RunStart, "e1"))
	s.Accept(testEvent(model.RunEnd, "e2"))

	scanner := bufio.NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("line is not an event: %v", err)
	}
	if ev.EventID != "e1" || ev.EventType != model.RunStart {
		t.Errorf("unexpected first event: %+v", ev)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestLineSinkSwallowsWriteErrors(t *testing.T) {
	var logs bytes.Buffer
	s := NewLineSink(failWriter{}, slog.New(slog.NewTextHandler(&logs, nil)))
	s.Accept(testEvent(model.RunStart, "e1"))

	if !strings.Contains(logs.String(), "closed pipe") {
		t.Errorf("expected write failure to be logged, got %q", logs.String())
	}
}

func TestBatchSinkSizeTwoThreeEventsFlush(t *testing.T) {
	tr := &fakeTransport{}
	s := NewBatchSink(tr, WithBatchSize(2), WithLogger(quietLogger()))

	s.Accept(testEvent(model.ToolRequest, "e1"))
	s.Accept(testEvent(model.PolicyDecision, "e2"))
	s.Accept(testEvent(model.ToolResponse, "e3"))

	if tr.calls() != 1 {
		t.Fatalf("expected 1 delivery before flush, got %d", tr.calls())
	}
	s.Flush(context.Background())

	if tr.calls() != 2 {
		t.Fatalf("expected exactly 2 deliveries, got %d", tr.calls())
	}
	if len(tr.batches[0]) != 2 || len(tr.batches[1]) != 1 {
		t.Errorf("expected batches of 2 and 1, got %d and %d", len(tr.batches[0]), len(tr.batches[1]))
	}
	if st := s.Stats(); st.Delivered != 3 || st.Dropped != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestBatchSinkEmptyFlushSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	s := NewBatchSink(tr)
	s.Flush(context.Background())
	if tr.calls() != 0 {
		t.Errorf("expected no delivery for empty buffer, got %d", tr.calls())
	}
}

func TestBatchSinkDropsFailedBatch(t *testing.T) {
	tr := &fakeTransport{failing: true}
	var logs bytes.Buffer
	s := NewBatchSink(tr, WithBatchSize(10), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	s.Accept(testEvent(model.RunStart, "e1"))
	s.Accept(testEvent(model.RunEnd, "e2"))
	s.Flush(context.Background())

	if s.Pending() != 0 {
		t.Errorf("failed batch must be dropped, %d pending", s.Pending())
	}
	if st := s.Stats(); st.Dropped != 2 || st.Delivered != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !strings.Contains(logs.String(), "batch dropped") {
		t.Errorf("expected drop to be logged, got %q", logs.String())
	}

	// A later flush does not resend the dropped events.
	tr.failing = false
	s.Flush(context.Background())
	if tr.calls() != 1 {
		t.Errorf("expected no redelivery, got %d calls", tr.calls())
	}
}

type panicTransport struct{}

func (panicTransport) Send(context.Context, []json.RawMessage) error { panic("boom") }
func (panicTransport) Close() error                                  { return nil }

func TestBatchSinkSurvivesTransportPanic(t *testing.T) {
	s := NewBatchSink(panicTransport{}, WithBatchSize(1), WithLogger(quietLogger()))
	s.Accept(testEvent(model.RunStart, "e1"))
	if s.Stats().Dropped != 1 {
		t.Errorf("expected panicking batch dropped, got %+v", s.Stats())
	}
}

func TestBatchSinkConcurrentAccept(t *testing.T) {
	tr := &fakeTransport{}
	s := NewBatchSink(tr, WithBatchSize(7), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Accept(testEvent(model.ToolRequest, "e"))
			}
		}()
	}
	wg.Wait()
	s.Flush(context.Background())

	if got := s.Stats().Delivered; got != 1000 {
		t.Errorf("expected 1000 delivered, got %d", got)
	}
}

func TestBatchSinkDropsOnlyUnencodableEvent(t *testing.T) {
	tr := &fakeTransport{}
	var logs bytes.Buffer
	s := NewBatchSink(tr, WithBatchSize(50), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	bad := testEvent(model.ToolResponse, "bad")
	bad.Metadata = map[string]any{"result": math.NaN()}

	s.Accept(testEvent(model.RunStart, "e1"))
	s.Accept(bad)
	s.Accept(testEvent(model.RunEnd, "e2"))
	s.Flush(context.Background())

	if tr.calls() != 1 {
		t.Fatalf("expected 1 delivery, got %d", tr.calls())
	}
	if len(tr.batches[0]) != 2 {
		t.Fatalf("expected the 2 good events delivered, got %d", len(tr.batches[0]))
	}
	var last model.Event
	if err := json.Unmarshal(tr.batches[0][1], &last); err != nil || last.EventID != "e2" {
		t.Errorf("expected run.end delivered after the bad event, got %+v (%v)", last, err)
	}
	if st := s.Stats(); st.Delivered != 2 || st.Dropped != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !strings.Contains(logs.String(), "event dropped") {
		t.Errorf("expected encode failure logged, got %q", logs.String())
	}
}

func TestBatchSinkSnapshotsEventAtAccept(t *testing.T) {
	tr := &fakeTransport{}
	s := NewBatchSink(tr, WithLogger(quietLogger()))

	ev := testEvent(model.ToolResponse, "e1")
	ev.Metadata["result"] = "before"
	s.Accept(ev)
	ev.Metadata["result"] = "after"
	s.Flush(context.Background())

	var got model.Event
	if err := json.Unmarshal(tr.batches[0][0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Metadata["result"] != "before" {
		t.Errorf("expected the accepted form delivered, got %v", got.Metadata["result"])
	}
}

func TestBatchSinkDeliversStagedBatchesInOrder(t *testing.T) {
	tr := &fakeTransport{}
	s := NewBatchSink(tr, WithBatchSize(1), WithLogger(quietLogger()))

	first := s.Stage(testEvent(model.RunStart, "e1"))
	second := s.Stage(testEvent(model.RunEnd, "e2"))

	done := make(chan struct{})
	go func() {
		second()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("later batch delivered before the earlier one")
	case <-time.After(50 * time.Millisecond):
	}

	first()
	<-done
	var ev model.Event
	if err := json.Unmarshal(tr.batches[0][0], &ev); err != nil || ev.EventID != "e1" {
		t.Errorf("expected e1 delivered first, got %+v (%v)", ev, err)
	}
}

func TestBatchSinkCloseFlushesAndClosesTransport(t *testing.T) {
	tr := &fakeTransport{}
	s := NewBatchSink(tr)
	s.Accept(testEvent(model.RunStart, "e1"))

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.calls() != 1 || !tr.closed {
		t.Errorf("expected flush and close, calls=%d closed=%v", tr.calls(), tr.closed)
	}
}

func TestMultiSinkRoutesByType(t *testing.T) {
	all := &Recorder{}
	responses := &Recorder{}
	m := NewMultiSink(
		Route{Sink: all},
		Route{Sink: responses, Types: []model.EventType{model.ToolResponse}},
	)

	m.Accept(testEvent(model.ToolRequest, "e1"))
	m.Accept(testEvent(model.ToolResponse, "e2"))
	m.Flush(context.Background())

	if len(all.Events()) != 2 {
		t.Errorf("expected 2 events on catch-all route, got %d", len(all.Events()))
	}
	if got := responses.Events(); len(got) != 1 || got[0].EventID != "e2" {
		t.Errorf("expected only tool.response on filtered route, got %v", got)
	}
	if all.Flushes() != 1 || responses.Flushes() != 1 {
		t.Error("expected flush to reach every route")
	}
}

func TestNewMultiSinkEmptyIsDiscard(t *testing.T) {
	s := NewMultiSink()
	if _, ok := s.(Discard); !ok {
		t.Fatalf("expected Discard for no routes, got %T", s)
	}
	s.Accept(testEvent(model.RunStart, "e1"))
	if s := NewMultiSink(Route{}); s == nil {
		t.Error("expected a usable sink when every route is empty")
	}
}

func TestNewMultiSinkSingleCatchAll(t *testing.T) {
	rec := &Recorder{}
	if s := NewMultiSink(Route{Sink: rec}); s != Sink(rec) {
		t.Errorf("expected the only route returned as is, got %T", s)
	}
}

func TestMultiSinkStagesBatchRoutes(t *testing.T) {
	tr := &fakeTransport{}
	rec := &Recorder{}
	m := NewMultiSink(
		Route{Sink: rec},
		Route{Sink: NewBatchSink(tr, WithBatchSize(1), WithLogger(quietLogger()))},
	)

	deliver := Stage(m, testEvent(model.RunStart, "e1"))
	if len(rec.Events()) != 1 {
		t.Fatal("expected the plain route to accept immediately")
	}
	if deliver == nil || tr.calls() != 0 {
		t.Fatalf("expected batch delivery deferred, calls=%d", tr.calls())
	}
	deliver()
	if tr.calls() != 1 {
		t.Errorf("expected 1 delivery after running the stage, got %d", tr.calls())
	}
}

var _ Sink = (*LineSink)(nil)
var _ Sink = (*BatchSink)(nil)
var _ Sink = (*MultiSink)(nil)
var _ Sink = Discard{}
var _ Sink = (*Recorder)(nil)
var _ Transport = (*HTTPTransport)(nil)
var _ Transport = (*GRPCTransport)(nil)
