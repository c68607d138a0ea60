package policy

import (
	"testing"
)

func FuzzParseConfig(f *testing.F) {
	// Seed with valid default config YAML
	f.Add([]byte(DefaultConfigYAML()))

	// Seed with minimal valid YAML
	f.Add([]byte(`denied_tools: [delete]
max_tool_calls_per_run: 3
`))

	// Seed with empty
	f.Add([]byte{})

	// Seed with garbage
	f.Add([]byte(`{{{not yaml at all`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input, and a parsed config must compile.
		cfg, err := ParseConfig(data)
		if err != nil {
			return
		}
		New(cfg).Decide("tool", 0)
	})
}

func FuzzDecideDeterministic(f *testing.F) {
	f.Add("search", 0)
	f.Add("delete", 5)
	f.Add("", -1)

	p := New(Config{DeniedTools: []string{"delete"}, MaxToolCallsPerRun: Limit(3), DefaultAllow: true})
	f.Fuzz(func(t *testing.T, tool string, count int) {
		d1, r1 := p.Decide(tool, count)
		d2, r2 := p.Decide(tool, count)
		if d1 != d2 || r1 != r2 {
			t.Fatalf("non-deterministic decision for %q/%d: %s/%s vs %s/%s", tool, count, d1, r1, d2, r2)
		}
	})
}
