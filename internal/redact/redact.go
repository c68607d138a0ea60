package redact

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Mask replaces the value of a sensitive key.
const Mask = "***REDACTED***"

// TruncatedSuffix is appended to strings cut at MaxLength.
const TruncatedSuffix = "... (truncated)"

// DefaultMaxLength is the longest string kept verbatim.
const DefaultMaxLength = 1000

// DefaultSensitiveKeys are matched as substrings of lower-cased map keys.
var DefaultSensitiveKeys = []string{
	"password", "token", "api_key", "apikey", "secret", "key",
}

// credKVRe finds inline key=value credentials inside free text.
var credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*)\S+`)

// Redactor masks sensitive keys and truncates long strings in captured
// tool arguments and results. The zero value is not usable; call New.
type Redactor struct {
	keys      []string
	maxLength int
	// scrubInline also masks key=value credentials inside string values.
	scrubInline bool
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithKeys adds extra sensitive key fragments.
func WithKeys(keys ...string) Option {
	return func(r *Redactor) {
		for _, k := range keys {
			r.keys = append(r.keys, strings.ToLower(k))
		}
	}
}

// WithMaxLength overrides DefaultMaxLength. Values < 1 are ignored.
func WithMaxLength(n int) Option {
	return func(r *Redactor) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

// WithInlineScrub enables masking of "token=..." style fragments in strings.
func WithInlineScrub() Option {
	return func(r *Redactor) { r.scrubInline = true }
}

// New creates a Redactor with the default key list.
func New(opts ...Option) *Redactor {
	r := &Redactor{
		keys:      append([]string{}, DefaultSensitiveKeys...),
		maxLength: DefaultMaxLength,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsSensitive reports whether key contains any sensitive fragment.
func (r *Redactor) IsSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Value returns a redacted copy of v. Maps and slices are walked
// recursively; other composite values are first normalized through their
// JSON form so struct fields are redacted by their JSON names.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case nil, bool, int, int32, int64, uint, uint32, uint64, json.Number:
		return v
	case float64:
		return finite(t, v)
	case float32:
		return finite(float64(t), v)
	case string:
		return r.str(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.IsSensitive(k) {
				out[k] = Mask
			} else {
				out[k] = r.Value(val)
			}
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.IsSensitive(k) {
				out[k] = Mask
			} else {
				out[k] = r.str(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Value(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.str(val)
		}
		return out
	case error:
		return r.str(t.Error())
	default:
		return r.Value(Normalize(v))
	}
}

// Map is Value for the common map case.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.Value(m).(map[string]any)
}

func (r *Redactor) str(s string) string {
	if r.scrubInline {
		s = credKVRe.ReplaceAllString(s, "${1}"+Mask)
	}
	return Truncate(s, r.maxLength)
}

// Truncate cuts s to max bytes and appends TruncatedSuffix. The cut never
// splits a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncatedSuffix
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Normalize converts v into plain JSON values (map[string]any, []any,
// string, float64, bool, nil). NaN and infinities become strings; other
// values that cannot be encoded become their fmt representation.
func Normalize(v any) any {
	switch t := v.(type) {
	case float64:
		return finite(t, v)
	case float32:
		return finite(float64(t), v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

// Safe returns v unchanged when it encodes as JSON. Otherwise it returns a
// copy in which NaN and infinities are strings and any other value that
// cannot be encoded is replaced by its fmt representation.
func Safe(v any) any {
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return sanitize(v)
}

// SafeMap is Safe for the common map case.
func SafeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Safe(m).(map[string]any)
	return out
}

func sanitize(v any) any {
	switch t := v.(type) {
	case float64:
		return finite(t, v)
	case float32:
		return finite(float64(t), v)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(val)
		}
		return out
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return Normalize(v)
}

// finite returns v, or f as a string ("NaN", "+Inf", "-Inf") when JSON has
// no number for it.
func finite(f float64, v any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}

// Inputs wraps tool arguments in the {"inputs": ...} shape recorded on
// tool.request events.
func Inputs(args any) map[string]any {
	return map[string]any{"inputs": args}
}
