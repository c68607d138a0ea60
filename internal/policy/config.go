package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the tool-usage policy. Empty AllowedTools means no allow-list;
// nil MaxToolCallsPerRun means no per-run budget.
type Config struct {
	AllowedTools       []string `yaml:"allowed_tools"          json:"allowed_tools,omitempty"`
	DeniedTools        []string `yaml:"denied_tools"           json:"denied_tools,omitempty"`
	DefaultAllow       bool     `yaml:"default_allow"          json:"default_allow"`
	MaxToolCallsPerRun *int     `yaml:"max_tool_calls_per_run" json:"max_tool_calls_per_run,omitempty"`
}

// DefaultConfig returns the permissive built-in policy.
func DefaultConfig() Config {
	return Config{DefaultAllow: true}
}

// UnmarshalYAML decodes on top of DefaultConfig, so an omitted
// default_allow stays true wherever a policy is embedded.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	p := plain(DefaultConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Config(p)
	return nil
}

// Limit is a convenience for setting MaxToolCallsPerRun.
func Limit(n int) *int {
	return &n
}

// DefaultPath returns ~/.alm/policy.yaml, or "" if the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".alm", "policy.yaml")
}

// LoadConfig loads policy configuration from a YAML file.
// Empty path falls back to ~/.alm/policy.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns the SHA-256 of
// the raw YAML bytes, which serves as the policy version. When no file
// exists the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, "", fmt.Errorf("policy: read config: %w", err)
		}
		data = raw
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, "", err
	}
	return cfg, Hash(data), nil
}

// ParseConfig parses YAML on top of DefaultConfig; only specified fields change.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("policy: parse config: %w", err)
	}
	if cfg.MaxToolCallsPerRun != nil && *cfg.MaxToolCallsPerRun < 0 {
		return Config{}, fmt.Errorf("policy: max_tool_calls_per_run must be >= 0, got %d", *cfg.MaxToolCallsPerRun)
	}
	return cfg, nil
}

// Hash returns "sha256:<hex>" of data.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Holder publishes the active policy. Readers take a snapshot; a reload
// swaps the pointer without affecting snapshots already taken.
type Holder struct {
	cur atomic.Pointer[Snapshot]
}

// Snapshot is one immutable policy together with its version string.
type Snapshot struct {
	Policy  *Policy
	Version string
}

// NewHolder creates a Holder publishing p.
func NewHolder(p *Policy, version string) *Holder {
	h := &Holder{}
	h.Store(p, version)
	return h
}

// Load returns the active snapshot.
func (h *Holder) Load() Snapshot {
	if s := h.cur.Load(); s != nil {
		return *s
	}
	return Snapshot{Policy: New(DefaultConfig())}
}

// Store publishes a new policy.
func (h *Holder) Store(p *Policy, version string) {
	h.cur.Store(&Snapshot{Policy: p, Version: version})
}

// DefaultConfigYAML returns a commented YAML document for init-policy.
func DefaultConfigYAML() string {
	return `# ALM tool policy
# Generated by: almctl init-policy
#
# Evaluation order (cannot be changed):
#   1. denied_tools           -> deny "explicitly denied"
#   2. allowed_tools (if set) -> deny "not in allow-list" when absent
#   3. max_tool_calls_per_run -> deny "budget exceeded"
#   4. default_allow false and no allowed_tools -> deny "default deny"
#   5. otherwise allow

# Tools that are always refused.
denied_tools: []

# When non-empty, only these tools may run.
allowed_tools: []

# Allow tools that no list mentions.
default_allow: true

# Per-run ceiling on allowed tool calls. Remove for unlimited.
# max_tool_calls_per_run: 100
`
}
