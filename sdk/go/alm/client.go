package alm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/r3fresh-alm/r3fresh/internal/config"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// Client owns the sink, the policy and every run it starts.
// Safe for concurrent use.
type Client struct {
	agentID  string
	tracker  *lifecycle.Tracker
	sink     sink.Sink
	policies *policy.Holder
	redactor *redact.Redactor
	logger   *slog.Logger

	stopWatch context.CancelFunc
	watchDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a Client for agentID.
func New(agentID string, opts ...Option) (*Client, error) {
	if agentID == "" {
		return nil, fmt.Errorf("alm: agent id is required")
	}
	defaults := config.Default()
	cfg := clientConfig{
		env:       defaults.Env,
		mode:      defaults.Mode,
		batchSize: defaults.BatchSize,
		timeout:   defaults.Timeout,
		redact:    true,
	}
	for _, o := range opts {
		o(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	holder, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	s := cfg.sink
	if s == nil {
		sc := config.Config{
			AgentID:   agentID,
			Env:       cfg.env,
			Mode:      cfg.mode,
			Endpoint:  cfg.endpoint,
			APIKey:    cfg.apiKey,
			BatchSize: cfg.batchSize,
			Timeout:   cfg.timeout,

			Destinations: cfg.destinations,
		}
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("alm: %w", err)
		}
		w := cfg.writer
		if w == nil {
			w = os.Stdout
		}
		if s, err = sc.NewSink(w, logger); err != nil {
			return nil, fmt.Errorf("alm: %w", err)
		}
	}
	if len(cfg.routes) > 0 {
		s = sink.NewMultiSink(append([]sink.Route{{Sink: s}}, cfg.routes...)...)
	}

	c := &Client{
		agentID:  agentID,
		sink:     s,
		policies: holder,
		logger:   logger,
	}
	if cfg.redact {
		c.redactor = redact.New(cfg.redactOpts...)
	}
	c.tracker = lifecycle.New(lifecycle.Options{
		Builder: tracer.Builder{
			AgentID:      agentID,
			Env:          cfg.env,
			AgentVersion: cfg.agentVersion,
			Clock:        cfg.clock,
		},
		Sink:          s,
		Policies:      holder,
		PolicyVersion: cfg.policyVersion,
		Logger:        logger,
	})

	if cfg.watchPolicy && cfg.policyFile != "" {
		if err := c.watch(cfg.policyFile); err != nil {
			_ = s.Close(context.Background())
			return nil, err
		}
	}
	return c, nil
}

// FromConfig builds a client from a loaded Config. opts are applied after the
// config, so they win.
func FromConfig(cfg Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithEnv(cfg.Env),
		WithBatchSize(cfg.BatchSize),
		WithTimeout(cfg.Timeout),
		WithAgentVersion(cfg.AgentVersion),
		WithPolicyVersion(cfg.PolicyVersion),
		WithRedaction(cfg.RedactionEnabled()),
		WithDestinations(cfg.Destinations...),
		func(c *clientConfig) { c.redactOpts = append(c.redactOpts, cfg.RedactOptions()...) },
	}
	switch cfg.Mode {
	case config.ModeHTTP:
		base = append(base, WithHTTP(cfg.Endpoint, cfg.APIKey))
	case config.ModeGRPC:
		base = append(base, WithGRPC(cfg.Endpoint), WithAPIKey(cfg.APIKey))
	}
	if cfg.Policy != nil {
		base = append(base, WithPolicy(*cfg.Policy))
	}
	if cfg.PolicyFile != "" {
		base = append(base, WithPolicyFile(cfg.PolicyFile))
		if cfg.WatchPolicy {
			base = append(base, WatchPolicy())
		}
	}
	return New(cfg.AgentID, append(base, opts...)...)
}

// loadPolicy picks the file, then the inline policy, then the default.
func loadPolicy(cfg clientConfig) (*policy.Holder, error) {
	switch {
	case cfg.policyFile != "":
		pc, hash, err := policy.LoadConfigWithHash(cfg.policyFile)
		if err != nil {
			return nil, fmt.Errorf("alm: %w", err)
		}
		return policy.NewHolder(policy.New(pc), hash), nil
	case cfg.policy != nil:
		if n := cfg.policy.MaxToolCallsPerRun; n != nil && *n < 0 {
			return nil, fmt.Errorf("alm: max_tool_calls_per_run must be >= 0, got %d", *n)
		}
		p := policy.New(*cfg.policy)
		data, err := yaml.Marshal(p.Config())
		if err != nil {
			return nil, fmt.Errorf("alm: encode policy: %w", err)
		}
		return policy.NewHolder(p, policy.Hash(data)), nil
	default:
		return policy.NewHolder(policy.New(policy.DefaultConfig()), ""), nil
	}
}

func (c *Client) watch(path string) error {
	w, err := policy.NewWatcher(path, c.policies, c.logger)
	if err != nil {
		return fmt.Errorf("alm: watch policy: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	c.watchDone = make(chan struct{})
	go func() {
		defer close(c.watchDone)
		if err := w.Run(ctx); err != nil {
			c.logger.Warn("policy watcher stopped", "path", path, "error", err)
		}
	}()
	return nil
}

// AgentID returns the agent id stamped on every event.
func (c *Client) AgentID() string { return c.agentID }

// Policy returns the policy new runs will use.
func (c *Client) Policy() Policy {
	return c.policies.Load().Policy.Config()
}

// PolicyVersion returns the version new runs will stamp, "" when unset.
func (c *Client) PolicyVersion() string {
	return c.policies.Load().Version
}

// Flush delivers buffered events.
func (c *Client) Flush(ctx context.Context) {
	c.sink.Flush(ctx)
}

// Close stops the policy watcher, flushes and closes the sink. Runs still
// open are left open and logged. Closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stopWatch != nil {
		c.stopWatch()
		<-c.watchDone
	}
	if n := c.tracker.ActiveRuns(); n > 0 {
		c.logger.Warn("client closed with open runs", "agent_id", c.agentID, "runs", n)
	}
	return c.sink.Close(ctx)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
