package redact

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestSensitiveKeysMasked(t *testing.T) {
	r := New()
	got := r.Map(map[string]any{
		"query":         "weather",
		"password":      "hunter2",
		"Authorization": "Bearer x",
		"GITHUB_TOKEN":  "ghp_123",
		"api_key":       "k",
		"apiKey":        "k",
		"client_secret": "s",
		"monkey":        "banana",
		"count":         3,
	})

	for _, k := range []string{"password", "GITHUB_TOKEN", "api_key", "apiKey", "client_secret", "monkey"} {
		if got[k] != Mask {
			t.Errorf("expected %s to be masked, got %v", k, got[k])
		}
	}
	if got["query"] != "weather" {
		t.Errorf("expected query kept, got %v", got["query"])
	}
	if got["Authorization"] != "Bearer x" {
		t.Errorf("authorization is not in the key list, got %v", got["Authorization"])
	}
	if got["count"] != 3 {
		t.Errorf("expected numbers kept, got %v", got["count"])
	}
}

func TestNestedRedaction(t *testing.T) {
	r := New()
	got := r.Value(map[string]any{
		"inputs": map[string]any{
			"items": []any{
				map[string]any{"token": "abc", "id": 1},
			},
		},
	}).(map[string]any)

	items := got["inputs"].(map[string]any)["items"].([]any)
	item := items[0].(map[string]any)
	if item["token"] != Mask {
		t.Errorf("expected nested token masked, got %v", item["token"])
	}
	if item["id"] != 1 {
		t.Errorf("expected nested id kept, got %v", item["id"])
	}
}

func TestLongStringTruncated(t *testing.T) {
	r := New()
	long := strings.Repeat("a", 1500)
	got := r.Value(long).(string)

	if len(got) != DefaultMaxLength+len(TruncatedSuffix) {
		t.Errorf("expected truncated length, got %d", len(got))
	}
	if !strings.HasSuffix(got, TruncatedSuffix) {
		t.Errorf("expected suffix %q", TruncatedSuffix)
	}

	exact := strings.Repeat("b", DefaultMaxLength)
	if r.Value(exact) != exact {
		t.Error("string at the limit must be kept verbatim")
	}
}

func TestCustomMaxLength(t *testing.T) {
	r := New(WithMaxLength(4))
	if got := r.Value("abcdefgh"); got != "abcd"+TruncatedSuffix {
		t.Errorf("expected 4 bytes kept, got %q", got)
	}
	if New(WithMaxLength(0)).Value(strings.Repeat("x", 10)) != strings.Repeat("x", 10) {
		t.Error("non-positive max length must be ignored")
	}
}

func TestTruncateKeepsUTF8Valid(t *testing.T) {
	s := strings.Repeat("é", 10) // 20 bytes
	got := Truncate(s, 5)
	if got != "éé"+TruncatedSuffix {
		t.Errorf("expected cut on rune boundary, got %q", got)
	}
}

func TestStructNormalizedByJSONName(t *testing.T) {
	type creds struct {
		User   string `json:"user"`
		Secret string `json:"secret"`
	}
	got := New().Value(creds{User: "alice", Secret: "s3"}).(map[string]any)
	if got["user"] != "alice" || got["secret"] != Mask {
		t.Errorf("expected struct redacted by json names, got %v", got)
	}
}

func TestExtraKeysAndInlineScrub(t *testing.T) {
	r := New(WithKeys("SSN"), WithInlineScrub())
	got := r.Map(map[string]any{
		"ssn":  "123-45-6789",
		"note": "connect with password=hunter2 now",
	})
	if got["ssn"] != Mask {
		t.Errorf("expected extra key masked, got %v", got["ssn"])
	}
	if got["note"] != "connect with password="+Mask+" now" {
		t.Errorf("expected inline credential masked, got %v", got["note"])
	}
}

func TestErrorValueBecomesString(t *testing.T) {
	if got := New().Value(errors.New("boom")); got != "boom" {
		t.Errorf("expected error message, got %v", got)
	}
}

func TestInputsShape(t *testing.T) {
	got := Inputs(map[string]any{"q": 1})
	if _, ok := got["inputs"]; !ok || len(got) != 1 {
		t.Errorf("expected single inputs key, got %v", got)
	}
}

func TestNonFiniteFloatsBecomeStrings(t *testing.T) {
	r := New()
	got := r.Value(map[string]any{
		"score": math.NaN(),
		"hi":    math.Inf(1),
		"lo":    float32(math.Inf(-1)),
		"ok":    1.5,
	}).(map[string]any)

	want := map[string]any{"score": "NaN", "hi": "+Inf", "lo": "-Inf", "ok": 1.5}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, got[k])
		}
	}
	if _, err := json.Marshal(got); err != nil {
		t.Errorf("redacted value must encode: %v", err)
	}
}

func TestNormalizeNonFinite(t *testing.T) {
	if got := Normalize(math.NaN()); got != "NaN" {
		t.Errorf("expected NaN string, got %v", got)
	}
	type reading struct{ Value float64 }
	if _, err := json.Marshal(Normalize(reading{Value: math.Inf(1)})); err != nil {
		t.Errorf("normalized struct must encode: %v", err)
	}
}

func TestSafeKeepsEncodableValues(t *testing.T) {
	in := map[string]any{"n": 1, "s": "x"}
	got := SafeMap(in)
	if got["n"] != 1 || got["s"] != "x" {
		t.Errorf("expected values kept, got %v", got)
	}
}

func TestSafeReplacesUnencodable(t *testing.T) {
	got := SafeMap(map[string]any{
		"inputs": map[string]any{
			"score":  math.NaN(),
			"ch":     make(chan int),
			"fn":     func() {},
			"scores": []any{1.0, math.Inf(-1)},
			"name":   "kb",
		},
	})
	if _, err := json.Marshal(got); err != nil {
		t.Fatalf("safe value must encode: %v", err)
	}
	inputs := got["inputs"].(map[string]any)
	if inputs["score"] != "NaN" {
		t.Errorf("expected NaN string, got %v", inputs["score"])
	}
	if inputs["scores"].([]any)[1] != "-Inf" {
		t.Errorf("expected -Inf string, got %v", inputs["scores"])
	}
	if _, ok := inputs["ch"].(string); !ok {
		t.Errorf("expected channel replaced by its text form, got %T", inputs["ch"])
	}
	if inputs["name"] != "kb" {
		t.Errorf("expected plain value kept, got %v", inputs["name"])
	}
}
