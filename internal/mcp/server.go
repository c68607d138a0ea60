// Package mcp exposes instrumented tools over the Model Context Protocol.
// Every call made through the server belongs to one run that lasts until
// Close.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/r3fresh-alm/r3fresh/internal/enforce"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// Config holds MCP server configuration.
type Config struct {
	AgentID    string
	Env        string
	Purpose    string
	PolicyPath string
	// Policy, when set, is used instead of loading PolicyPath.
	Policy     *policy.Config
	Sink       sink.Sink
	Logger     *slog.Logger
	MaxRetries int
	HTTPClient *http.Client

	// RedactOptions tune the redactor applied to recorded args and results.
	RedactOptions []redact.Option
}

// Server wraps the MCP SDK server with policy enforcement and lifecycle events.
type Server struct {
	mcpServer  *mcpsdk.Server
	tracker    *lifecycle.Tracker
	run        *lifecycle.Run
	redactor   *redact.Redactor
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int

	mu    sync.Mutex
	tools map[string]enforce.Func
}

// New creates an MCP server, loads policy and opens the server's run.
func New(cfg Config) (*Server, error) {
	var (
		policyCfg  policy.Config
		policyHash string
		err        error
	)
	if cfg.Policy != nil {
		policyCfg, policyHash = *cfg.Policy, "inline"
	} else {
		policyCfg, policyHash, err = policy.LoadConfigWithHash(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy config: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	purpose := cfg.Purpose
	if purpose == "" {
		purpose = "mcp session"
	}
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "alm-mcp"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	s := &Server{
		tracker: lifecycle.New(lifecycle.Options{
			Builder:  tracer.Builder{AgentID: agentID, Env: cfg.Env},
			Sink:     cfg.Sink,
			Policies: policy.NewHolder(policy.New(policyCfg), policyHash),
			Logger:   logger,
		}),
		redactor:   redact.New(cfg.RedactOptions...),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		tools:      make(map[string]enforce.Func),
	}
	s.run = s.tracker.StartRun(purpose)

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "alm",
			Version: model.SDKVersion,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves one session over t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// Close ends the server's run and closes the sink.
func (s *Server) Close(ctx context.Context) error {
	endErr := s.run.End(ctx, nil)
	if err := s.tracker.Sink().Close(ctx); err != nil {
		return err
	}
	return endErr
}

// RunID returns the id of the server's run.
func (s *Server) RunID() string {
	return s.run.ID()
}

// Summary returns the run's counters so far.
func (s *Server) Summary() tracer.Summary {
	if sum, ok := s.run.Summary(); ok {
		return sum
	}
	return s.run.Accumulator().Snapshot(time.Now())
}

// Register exposes fn as an MCP tool named name. The policy sees the same
// name.
func (s *Server) Register(name, description string, fn enforce.Func) {
	s.mu.Lock()
	s.tools[name] = fn
	s.mu.Unlock()

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, input map[string]any) (*mcpsdk.CallToolResult, CallOutput, error) {
		return s.handleCall(ctx, name, input)
	})
}

// Tools lists registered instrumented tools.
func (s *Server) Tools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registerTools adds the built-in tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "alm_check",
		Description: "Check whether a tool call would be allowed by policy without running it or consuming budget (dry-run).",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "alm_summary",
		Description: "Report tool call, task and latency counters for the current session.",
	}, s.handleSummary)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "alm_http",
		Description: "Make an HTTP request through policy enforcement. The policy sees the tool as http_<method>. Blocked requests return an error with the reason.",
	}, s.handleHTTP)
}
