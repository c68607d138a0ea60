// Package config loads client settings from a YAML file and ALM_*
// environment variables.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/policy"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
	"github.com/r3fresh-alm/r3fresh/internal/sink"
)

// Delivery modes.
const (
	ModeStdout = "stdout"
	ModeHTTP   = "http"
	ModeGRPC   = "grpc"
)

// DefaultEnv is used when no env is configured.
const DefaultEnv = "development"

// Config holds everything needed to build a client.
type Config struct {
	AgentID       string         `yaml:"agent_id"`
	Env           string         `yaml:"env"`
	Mode          string         `yaml:"mode"`
	Endpoint      string         `yaml:"endpoint"`
	APIKey        string         `yaml:"api_key"`
	BatchSize     int            `yaml:"batch_size"`
	Timeout       time.Duration  `yaml:"timeout"`
	AgentVersion  string         `yaml:"agent_version"`
	PolicyVersion string         `yaml:"policy_version"`
	PolicyFile    string         `yaml:"policy_file"`
	WatchPolicy   bool           `yaml:"watch_policy"`
	Redact        *bool          `yaml:"redact"`
	Policy        *policy.Config `yaml:"policy"`

	// RedactKeys extends the built-in sensitive key fragments.
	RedactKeys      []string `yaml:"redact_keys"`
	RedactMaxLength int      `yaml:"redact_max_length"`
	// RedactInline masks "token=..." fragments inside string values.
	RedactInline    bool     `yaml:"redact_inline"`

	// Destinations receive events in addition to the primary mode.
	Destinations []Destination `yaml:"destinations"`
}

// Destination is one extra delivery target. Empty EventTypes receives every
// event.
type Destination struct {
	Mode       string            `yaml:"mode"`
	Endpoint   string            `yaml:"endpoint"`
	APIKey     string            `yaml:"api_key"`
	EventTypes []model.EventType `yaml:"event_types"`
}

// Default returns the built-in settings: stdout delivery, default batch size
// and timeout.
func Default() Config {
	return Config{
		Env:       DefaultEnv,
		Mode:      ModeStdout,
		BatchSize: sink.DefaultBatchSize,
		Timeout:   sink.DefaultTimeout,
	}
}

// DefaultPath returns ~/.alm/config.yaml, or "" if the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".alm", "config.yaml")
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. A missing file is not an error. An empty path uses
// ALM_CONFIG, then DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("ALM_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ALM_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("ALM_AGENT_ID", &c.AgentID)
	str("ALM_ENV", &c.Env)
	str("ALM_MODE", &c.Mode)
	str("ALM_ENDPOINT", &c.Endpoint)
	str("ALM_API_KEY", &c.APIKey)
	str("ALM_AGENT_VERSION", &c.AgentVersion)
	str("ALM_POLICY_FILE", &c.PolicyFile)

	if v, ok := lookup("ALM_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ALM_BATCH_SIZE: %w", err)
		}
		c.BatchSize = n
	}
	if v, ok := lookup("ALM_REDACT_KEYS"); ok && v != "" {
		c.RedactKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.RedactKeys = append(c.RedactKeys, k)
			}
		}
	}
	if v, ok := lookup("ALM_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ALM_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

// Validate checks the mode and its required fields.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("config: agent_id is required")
	}
	switch c.Mode {
	case ModeStdout:
	case ModeHTTP, ModeGRPC:
		if c.Endpoint == "" {
			return fmt.Errorf("config: mode %q requires endpoint", c.Mode)
		}
	default:
		return fmt.Errorf("config: unknown mode %q (want stdout, http or grpc)", c.Mode)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must not be negative")
	}
	if c.Policy != nil && c.Policy.MaxToolCallsPerRun != nil && *c.Policy.MaxToolCallsPerRun < 0 {
		return fmt.Errorf("config: policy.max_tool_calls_per_run must be >= 0")
	}
	if c.RedactMaxLength < 0 {
		return fmt.Errorf("config: redact_max_length must not be negative")
	}
	for i, d := range c.Destinations {
		if err := d.validate(); err != nil {
			return fmt.Errorf("config: destinations[%d]: %w", i, err)
		}
	}
	return nil
}

func (d Destination) validate() error {
	switch d.Mode {
	case ModeStdout:
	case ModeHTTP, ModeGRPC:
		if d.Endpoint == "" {
			return fmt.Errorf("mode %q requires endpoint", d.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", d.Mode)
	}
	for _, t := range d.EventTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	return nil
}

// RedactionEnabled reports whether args and results are redacted. Default true.
func (c Config) RedactionEnabled() bool {
	return c.Redact == nil || *c.Redact
}

// RedactOptions returns the redactor settings from c.
func (c Config) RedactOptions() []redact.Option {
	var opts []redact.Option
	if len(c.RedactKeys) > 0 {
		opts = append(opts, redact.WithKeys(c.RedactKeys...))
	}
	if c.RedactMaxLength > 0 {
		opts = append(opts, redact.WithMaxLength(c.RedactMaxLength))
	}
	if c.RedactInline {
		opts = append(opts, redact.WithInlineScrub())
	}
	return opts
}

// NewSink builds the sink for c.Mode. Stdout mode writes lines to w. With
// Destinations the primary sink and every destination are fanned out.
func (c Config) NewSink(w io.Writer, logger *slog.Logger) (sink.Sink, error) {
	primary, err := c.newSink(c.Mode, c.Endpoint, c.APIKey, w, logger)
	if err != nil {
		return nil, err
	}
	if len(c.Destinations) == 0 {
		return primary, nil
	}

	routes := []sink.Route{{Sink: primary}}
	for i, d := range c.Destinations {
		s, err := c.newSink(d.Mode, d.Endpoint, d.APIKey, w, logger)
		if err != nil {
			for _, r := range routes {
				_ = r.Sink.Close(context.Background())
			}
			return nil, fmt.Errorf("config: destinations[%d]: %w", i, err)
		}
		routes = append(routes, sink.Route{Sink: s, Types: d.EventTypes})
	}
	return sink.NewMultiSink(routes...), nil
}

func (c Config) newSink(mode, endpoint, apiKey string, w io.Writer, logger *slog.Logger) (sink.Sink, error) {
	switch mode {
	case ModeStdout, "":
		return sink.NewLineSink(w, logger), nil
	case ModeHTTP:
		t := sink.NewHTTPTransport(endpoint, apiKey, c.Timeout)
		return sink.NewBatchSink(t, sink.WithBatchSize(c.BatchSize), sink.WithLogger(logger), sink.WithName("http")), nil
	case ModeGRPC:
		t, err := sink.NewGRPCTransport(endpoint, apiKey, c.Timeout)
		if err != nil {
			return nil, err
		}
		return sink.NewBatchSink(t, sink.WithBatchSize(c.BatchSize), sink.WithLogger(logger), sink.WithName("grpc")), nil
	default:
		return nil, fmt.Errorf("config: unknown mode %q", mode)
	}
}
