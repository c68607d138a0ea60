// Package server is an event collector. It accepts batches over gRPC and
// HTTP and writes every event through a sink.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
)

// maxBatchBytes bounds an HTTP batch body.
const maxBatchBytes = 16 << 20

// Config holds collector configuration.
type Config struct {
	// APIKey, when set, must be presented as "Bearer <key>".
	APIKey string
	Sink   sink.Sink
	Logger *slog.Logger
}

// Server receives event batches and writes them to a sink.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	ingester sink.SinkIngester
	received atomic.Int64
	batches  atomic.Int64

	grpcServer *grpc.Server
	httpServer *http.Server
}

// New creates a collector. A nil sink discards events.
func New(cfg Config) *Server {
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		ingester: sink.SinkIngester{Sink: cfg.Sink},
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.authorize))
	sink.RegisterIngestServer(s.grpcServer, s)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+sink.EventsPath, s.handleEvents)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Ingest implements sink.IngestServer.
func (s *Server) Ingest(ctx context.Context, events []model.Event) error {
	for i, ev := range events {
		if ev.EventID == "" || !ev.EventType.Valid() {
			return status.Errorf(codes.InvalidArgument, "event %d: missing event_id or unknown event_type %q", i, ev.EventType)
		}
	}
	s.batches.Add(1)
	s.received.Add(int64(len(events)))
	s.logger.Debug("batch received", "events", len(events))
	return s.ingester.Ingest(ctx, events)
}

// Received returns the number of events accepted so far.
func (s *Server) Received() int64 { return s.received.Load() }

// Batches returns the number of batches accepted so far.
func (s *Server) Batches() int64 { return s.batches.Load() }

// ListenGRPC starts the gRPC listener on addr. Blocks until stopped.
func (s *Server) ListenGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeGRPCOn starts the gRPC server on the given listener. For testing.
func (s *Server) ServeGRPCOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// ListenHTTP starts the HTTP listener on addr. Blocks until stopped.
func (s *Server) ListenHTTP(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeHTTPOn(lis)
}

// ServeHTTPOn starts the HTTP server on the given listener.
func (s *Server) ServeHTTPOn(lis net.Listener) error {
	if err := s.httpServer.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP ingest handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GracefulStop stops both listeners and flushes the sink.
func (s *Server) GracefulStop(ctx context.Context) error {
	s.grpcServer.GracefulStop()
	err := s.httpServer.Shutdown(ctx)
	s.cfg.Sink.Flush(ctx)
	return err
}

func (s *Server) authorize(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.cfg.APIKey != "" {
		md, _ := metadata.FromIncomingContext(ctx)
		var got string
		if v := md.Get("authorization"); len(v) > 0 {
			got = v[0]
		}
		if !s.validKey(got) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
	}
	return handler(ctx, req)
}

func (s *Server) validKey(header string) bool {
	key, ok := strings.CutPrefix(header, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && !s.validKey(r.Header.Get("Authorization")) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var events []model.Event
	if err := json.Unmarshal(body, &events); err != nil {
		http.Error(w, "body must be a JSON array of events", http.StatusBadRequest)
		return
	}
	if err := s.Ingest(r.Context(), events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
