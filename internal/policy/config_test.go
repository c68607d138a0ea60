package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.DefaultAllow {
		t.Error("expected DefaultAllow=true")
	}
	if cfg.MaxToolCallsPerRun != nil {
		t.Errorf("expected unlimited budget, got %d", *cfg.MaxToolCallsPerRun)
	}
	if len(cfg.AllowedTools) != 0 || len(cfg.DeniedTools) != 0 {
		t.Errorf("expected empty lists, got %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash("/nonexistent/path/policy.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if !cfg.DefaultAllow {
		t.Error("expected defaults for missing file")
	}
	if hash != Hash(nil) {
		t.Errorf("expected empty-input hash, got %s", hash)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `denied_tools: [delete, drop_table]
max_tool_calls_per_run: 2
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.DeniedTools) != 2 || cfg.DeniedTools[1] != "drop_table" {
		t.Errorf("expected denied tools from file, got %v", cfg.DeniedTools)
	}
	if cfg.MaxToolCallsPerRun == nil || *cfg.MaxToolCallsPerRun != 2 {
		t.Errorf("expected max 2, got %v", cfg.MaxToolCallsPerRun)
	}
	// Unspecified fields keep their defaults.
	if !cfg.DefaultAllow {
		t.Error("expected default_allow to stay true when omitted")
	}
	if !strings.HasPrefix(hash, "sha256:") || hash != Hash([]byte(content)) {
		t.Errorf("expected hash of file bytes, got %s", hash)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("denied_tools: {{{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseConfigRejectsNegativeBudget(t *testing.T) {
	if _, err := ParseConfig([]byte("max_tool_calls_per_run: -1\n")); err == nil {
		t.Fatal("expected error for negative budget")
	}
}

func TestDefaultConfigYAMLParses(t *testing.T) {
	cfg, err := ParseConfig([]byte(DefaultConfigYAML()))
	if err != nil {
		t.Fatalf("default YAML must parse: %v", err)
	}
	if !cfg.DefaultAllow || cfg.MaxToolCallsPerRun != nil {
		t.Errorf("default YAML should match DefaultConfig, got %+v", cfg)
	}
}

func TestHolderSnapshotIsolation(t *testing.T) {
	first := New(DefaultConfig())
	h := NewHolder(first, "v1")
	snap := h.Load()

	h.Store(New(Config{DeniedTools: []string{"search"}}), "v2")

	if snap.Policy != first || snap.Version != "v1" {
		t.Error("a snapshot taken before Store must not change")
	}
	if h.Load().Version != "v2" {
		t.Errorf("expected v2 after store, got %s", h.Load().Version)
	}
}

func TestZeroHolderServesDefaults(t *testing.T) {
	var h Holder
	if d, _ := h.Load().Policy.Decide("anything", 0); d != "allow" {
		t.Errorf("zero holder should allow by default, got %s", d)
	}
}
