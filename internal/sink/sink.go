// Package sink delivers lifecycle events. Delivery is best effort: a sink
// never returns a delivery failure to the code that emitted the event.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

// DefaultBatchSize is the buffered event count that triggers delivery.
const DefaultBatchSize = 50

// Sink accepts events and delivers them.
type Sink interface {
	Accept(ev model.Event)
	Flush(ctx context.Context)
	Close(ctx context.Context) error
}

// Stager is implemented by sinks whose Accept may block on delivery. Stage
// buffers ev without blocking and returns the delivery it triggered, or nil.
// The returned func must be called exactly once.
type Stager interface {
	Stage(ev model.Event) func()
}

// Stage hands ev to s. Sinks that implement Stager defer any delivery to the
// returned func; other sinks accept ev immediately and Stage returns nil.
func Stage(s Sink, ev model.Event) func() {
	if st, ok := s.(Stager); ok {
		return st.Stage(ev)
	}
	s.Accept(ev)
	return nil
}

// Transport delivers one batch of encoded events in a single request.
type Transport interface {
	Send(ctx context.Context, batch []json.RawMessage) error
	Close() error
}

// Encode marshals events in order for a Transport.
func Encode(events ...model.Event) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("sink: encode event %s: %w", ev.EventID, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Stats counts delivery outcomes.
type Stats struct {
	Batches   int64
	Delivered int64
	Dropped   int64
}

// LineSink writes each event as one JSON line as soon as it is accepted.
type LineSink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewLineSink creates a LineSink writing to w.
func NewLineSink(w io.Writer, logger *slog.Logger) *LineSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineSink{w: w, logger: logger}
}

// Accept serializes ev and writes it followed by a newline.
func (s *LineSink) Accept(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("event encode failed", "sink", "line", "event_type", ev.EventType, "error", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		s.logger.Warn("event write failed", "sink", "line", "event_type", ev.EventType, "error", err)
	}
}

// Flush is a no-op; LineSink does not buffer.
func (s *LineSink) Flush(context.Context) {}

// Close is a no-op; the writer belongs to the caller.
func (s *LineSink) Close(context.Context) error { return nil }

// BatchSink buffers events and hands them to a Transport in batches.
// Events are encoded when accepted; one that cannot be encoded is dropped on
// its own. A failed batch is dropped and logged, so delivery is at most once.
type BatchSink struct {
	transport Transport
	size      int
	logger    *slog.Logger
	name      string

	mu     sync.Mutex
	buf    []json.RawMessage
	staged uint64

	// Batches are delivered in the order they were cut from buf.
	sendMu sync.Mutex
	turn   *sync.Cond
	next   uint64

	batches   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// BatchOption configures a BatchSink.
type BatchOption func(*BatchSink)

// WithBatchSize sets the delivery threshold. Values < 1 are ignored.
func WithBatchSize(n int) BatchOption {
	return func(s *BatchSink) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) BatchOption {
	return func(s *BatchSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithName labels log lines from this sink.
func WithName(name string) BatchOption {
	return func(s *BatchSink) { s.name = name }
}

// NewBatchSink creates a BatchSink over t.
func NewBatchSink(t Transport, opts ...BatchOption) *BatchSink {
	s := &BatchSink{
		transport: t,
		size:      DefaultBatchSize,
		logger:    slog.Default(),
		name:      "batch",
	}
	s.turn = sync.NewCond(&s.sendMu)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Accept encodes ev, buffers it and delivers the buffer once it reaches the
// batch size. Delivery runs in the calling goroutine, outside the buffer lock.
func (s *BatchSink) Accept(ev model.Event) {
	if deliver := s.Stage(ev); deliver != nil {
		deliver()
	}
}

// Stage encodes and buffers ev. When the buffer reaches the batch size it is
// cut, and the returned func delivers it.
func (s *BatchSink) Stage(ev model.Event) func() {
	data, err := json.Marshal(ev)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("event encode failed, event dropped",
			"sink", s.name, "event_type", ev.EventType, "event_id", ev.EventID, "error", err)
		return nil
	}

	s.mu.Lock()
	s.buf = append(s.buf, data)
	if len(s.buf) < s.size {
		s.mu.Unlock()
		return nil
	}
	batch, seq := s.cutLocked()
	s.mu.Unlock()

	return func() { s.deliverInOrder(context.Background(), seq, batch) }
}

// Flush delivers whatever is buffered.
func (s *BatchSink) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch, seq := s.cutLocked()
	s.mu.Unlock()

	s.deliverInOrder(ctx, seq, batch)
}

func (s *BatchSink) cutLocked() ([]json.RawMessage, uint64) {
	batch := s.buf
	s.buf = nil
	seq := s.staged
	s.staged++
	return batch, seq
}

// deliverInOrder waits for every earlier batch to be delivered first.
func (s *BatchSink) deliverInOrder(ctx context.Context, seq uint64, batch []json.RawMessage) {
	s.sendMu.Lock()
	for s.next != seq {
		s.turn.Wait()
	}
	s.sendMu.Unlock()

	s.deliver(ctx, batch)

	s.sendMu.Lock()
	s.next++
	s.turn.Broadcast()
	s.sendMu.Unlock()
}

// Close flushes and closes the transport.
func (s *BatchSink) Close(ctx context.Context) error {
	s.Flush(ctx)
	return s.transport.Close()
}

// Pending returns the number of buffered events.
func (s *BatchSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Stats returns delivery counters.
func (s *BatchSink) Stats() Stats {
	return Stats{
		Batches:   s.batches.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *BatchSink) deliver(ctx context.Context, batch []json.RawMessage) {
	s.batches.Add(1)
	if err := s.send(ctx, batch); err != nil {
		s.dropped.Add(int64(len(batch)))
		s.logger.Warn("event delivery failed, batch dropped",
			"sink", s.name, "events", len(batch), "error", err)
		return
	}
	s.delivered.Add(int64(len(batch)))
}

func (s *BatchSink) send(ctx context.Context, batch []json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink: transport panic: %v", r)
		}
	}()
	return s.transport.Send(ctx, batch)
}

// Route sends a subset of event types to one sink. Empty Types matches all.
type Route struct {
	Sink  Sink
	Types []model.EventType
}

func (r Route) matches(t model.EventType) bool {
	if len(r.Types) == 0 {
		return true
	}
	for _, want := range r.Types {
		if want == t {
			return true
		}
	}
	return false
}

// MultiSink fans events out to several sinks.
type MultiSink struct {
	routes []Route
}

// NewMultiSink fans out to routes. Routes without a Sink are skipped. With
// no usable route it returns Discard, and with one catch-all route it returns
// that route's sink.
func NewMultiSink(routes ...Route) Sink {
	var usable []Route
	for _, r := range routes {
		if r.Sink != nil {
			usable = append(usable, r)
		}
	}
	switch {
	case len(usable) == 0:
		return Discard{}
	case len(usable) == 1 && len(usable[0].Types) == 0:
		return usable[0].Sink
	}
	return &MultiSink{routes: usable}
}

// Accept forwards ev to every route whose Types match.
func (m *MultiSink) Accept(ev model.Event) {
	if deliver := m.Stage(ev); deliver != nil {
		deliver()
	}
}

// Stage stages ev on every matching route and returns their combined
// delivery, or nil when no route has anything to deliver.
func (m *MultiSink) Stage(ev model.Event) func() {
	var pending []func()
	for _, r := range m.routes {
		if !r.matches(ev.EventType) {
			continue
		}
		if deliver := Stage(r.Sink, ev); deliver != nil {
			pending = append(pending, deliver)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return func() {
		for _, deliver := range pending {
			deliver()
		}
	}
}

// Flush flushes every route.
func (m *MultiSink) Flush(ctx context.Context) {
	for _, r := range m.routes {
		r.Sink.Flush(ctx)
	}
}

// Close closes every route and joins their errors.
func (m *MultiSink) Close(ctx context.Context) error {
	var errs []error
	for _, r := range m.routes {
		if err := r.Sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Accept(model.Event)          {}
func (Discard) Flush(context.Context)       {}
func (Discard) Close(context.Context) error { return nil }

// Recorder keeps events in memory. Used by tests and the demo command.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
	// flushes counts Flush calls.
	flushes int
}

func (r *Recorder) Accept(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Flush(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *Recorder) Close(context.Context) error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Flushes returns the number of Flush calls.
func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}
