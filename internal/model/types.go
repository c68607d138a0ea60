package model

// SchemaVersion is the version of the event envelope. Increment when the
// envelope or a metadata contract changes incompatibly.
const SchemaVersion = "1.0"

// SDKVersion is stamped on every event as sdk_version.
const SDKVersion = "0.3.0"

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	RunStart       EventType = "run.start"
	RunEnd         EventType = "run.end"
	TaskStart      EventType = "task.start"
	TaskEnd        EventType = "task.end"
	ToolRequest    EventType = "tool.request"
	PolicyDecision EventType = "policy.decision"
	ToolResponse   EventType = "tool.response"
	Handoff        EventType = "handoff"
)

// EventTypes lists the fixed enumeration in lifecycle order.
var EventTypes = []EventType{
	RunStart, RunEnd, TaskStart, TaskEnd, ToolRequest, PolicyDecision, ToolResponse, Handoff,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Decision is the policy enforcement outcome.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// ToolStatus is the terminal status of a tool call.
type ToolStatus string

const (
	StatusSuccess ToolStatus = "success"
	StatusDenied  ToolStatus = "denied"
	StatusError   ToolStatus = "error"
)

// ErrorSource attributes a failure to the layer that produced it.
type ErrorSource string

const (
	SourceTool   ErrorSource = "tool"
	SourcePolicy ErrorSource = "policy"
	SourceAgent  ErrorSource = "agent"
	SourceSystem ErrorSource = "system"
)

// StructuredError is the normalized failure record carried in event metadata.
type StructuredError struct {
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Source    ErrorSource `json:"source"`
	Retryable bool        `json:"retryable"`
	Code      string      `json:"code,omitempty"`
}

// ToMap converts the error to a metadata value. Code is omitted when empty.
func (e StructuredError) ToMap() map[string]any {
	m := map[string]any{
		"type":      e.Type,
		"message":   e.Message,
		"source":    string(e.Source),
		"retryable": e.Retryable,
	}
	if e.Code != "" {
		m["code"] = e.Code
	}
	return m
}

// Event is the canonical envelope. Every top-level field is always
// serialized; RunID, AgentVersion and PolicyVersion serialize as null when unset.
type Event struct {
	EventID       string         `json:"event_id"`
	Timestamp     string         `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	AgentID       string         `json:"agent_id"`
	Env           string         `json:"env"`
	RunID         *string        `json:"run_id"`
	SchemaVersion string         `json:"schema_version"`
	SDKVersion    string         `json:"sdk_version"`
	AgentVersion  *string        `json:"agent_version"`
	PolicyVersion *string        `json:"policy_version"`
	Metadata      map[string]any `json:"metadata"`
}

// Run returns the run id or "" when the event was emitted outside a run.
func (e Event) Run() string {
	if e.RunID == nil {
		return ""
	}
	return *e.RunID
}

// StringPtr returns nil for an empty string, otherwise a pointer to a copy.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
