package alm

import (
	"io"
	"log/slog"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/config"
	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// Policy is the tool-usage policy. The zero value denies nothing only when
// DefaultAllow is set; use DefaultPolicy for the permissive built-in.
type Policy = policy.Config

// Config is the file and environment configuration read by LoadConfig.
type Config = config.Config

// Event is one lifecycle event as delivered to a sink.
type Event = model.Event

// Summary is the per-run aggregate carried on run.end.
type Summary = tracer.Summary

// Sink receives events. Implementations must not block on delivery errors.
type Sink = sink.Sink

// Recorder is an in-memory sink for tests.
type Recorder = sink.Recorder

// Route sends the listed event types, or every event when Types is empty, to
// one extra sink.
type Route = sink.Route

// Destination is an extra delivery target read from config.
type Destination = config.Destination

// DefaultPolicy returns the permissive built-in policy.
func DefaultPolicy() Policy { return policy.DefaultConfig() }

// Limit returns a pointer for Policy.MaxToolCallsPerRun.
func Limit(n int) *int { return policy.Limit(n) }

// LoadConfig reads a config file with ALM_* environment overrides. An empty
// path uses ALM_CONFIG, then ~/.alm/config.yaml.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	env           string
	mode          string
	writer        io.Writer
	endpoint      string
	apiKey        string
	sink          sink.Sink
	batchSize     int
	timeout       time.Duration
	policy        *policy.Config
	policyFile    string
	watchPolicy   bool
	agentVersion  string
	policyVersion string
	logger        *slog.Logger
	redact        bool
	redactOpts    []redact.Option
	routes        []sink.Route
	destinations  []config.Destination
	clock         *tracer.Clock
}

// WithEnv sets the env stamped on every event.
func WithEnv(env string) Option {
	return func(c *clientConfig) { c.env = env }
}

// WithStdout writes one JSON event per line to standard output. This is the
// default.
func WithStdout() Option {
	return func(c *clientConfig) { c.mode, c.writer = config.ModeStdout, nil }
}

// WithWriter writes one JSON event per line to w.
func WithWriter(w io.Writer) Option {
	return func(c *clientConfig) { c.mode, c.writer = config.ModeStdout, w }
}

// WithHTTP delivers batches to endpoint + /v1/events.
func WithHTTP(endpoint, apiKey string) Option {
	return func(c *clientConfig) {
		c.mode, c.endpoint, c.apiKey = config.ModeHTTP, endpoint, apiKey
	}
}

// WithGRPC delivers batches to a collector at addr.
func WithGRPC(addr string) Option {
	return func(c *clientConfig) { c.mode, c.endpoint = config.ModeGRPC, addr }
}

// WithAPIKey sets the credential sent to the collector.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithSink uses s instead of a built-in sink.
func WithSink(s Sink) Option {
	return func(c *clientConfig) { c.sink = s }
}

// WithBatchSize sets the number of buffered events that triggers delivery.
func WithBatchSize(n int) Option {
	return func(c *clientConfig) { c.batchSize = n }
}

// WithTimeout sets the per-request delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithPolicy sets the policy in code.
func WithPolicy(p Policy) Option {
	return func(c *clientConfig) { c.policy = &p }
}

// WithPolicyFile loads the policy from a YAML file. Its SHA-256 becomes the
// policy version.
func WithPolicyFile(path string) Option {
	return func(c *clientConfig) { c.policyFile = path }
}

// WatchPolicy reloads the policy file when it changes. Runs keep the policy
// they started with.
func WatchPolicy() Option {
	return func(c *clientConfig) { c.watchPolicy = true }
}

// WithAgentVersion sets agent_version on every event.
func WithAgentVersion(v string) Option {
	return func(c *clientConfig) { c.agentVersion = v }
}

// WithPolicyVersion overrides the computed policy version.
func WithPolicyVersion(v string) Option {
	return func(c *clientConfig) { c.policyVersion = v }
}

// WithLogger sets the logger for delivery failures, misuse and reloads.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// WithRedaction turns masking of sensitive args and results on or off.
// Default on.
func WithRedaction(on bool) Option {
	return func(c *clientConfig) { c.redact = on }
}

// WithRedactKeys masks keys containing any of the given fragments, in
// addition to the built-in list.
func WithRedactKeys(keys ...string) Option {
	return func(c *clientConfig) { c.redactOpts = append(c.redactOpts, redact.WithKeys(keys...)) }
}

// WithRedactMaxLength sets the longest string recorded verbatim.
func WithRedactMaxLength(n int) Option {
	return func(c *clientConfig) { c.redactOpts = append(c.redactOpts, redact.WithMaxLength(n)) }
}

// WithInlineRedaction also masks "token=..." style fragments inside strings.
func WithInlineRedaction() Option {
	return func(c *clientConfig) { c.redactOpts = append(c.redactOpts, redact.WithInlineScrub()) }
}

// WithSinks delivers events to extra sinks alongside the primary one. The
// client closes them on Close.
func WithSinks(routes ...Route) Option {
	return func(c *clientConfig) { c.routes = append(c.routes, routes...) }
}

// WithDestinations adds delivery targets built like the primary mode.
func WithDestinations(ds ...Destination) Option {
	return func(c *clientConfig) { c.destinations = append(c.destinations, ds...) }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) { c.clock = tracer.NewClock(now) }
}

// ToolOption configures a single Tool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	maxRetries int
}

// WithMaxRetries allows up to n extra attempts after a retryable failure.
// Retries are off by default.
func WithMaxRetries(n int) ToolOption {
	return func(t *toolConfig) {
		if n < 0 {
			n = 0
		}
		t.maxRetries = n
	}
}
