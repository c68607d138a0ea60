package tracer

import (
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

// Builder stamps the envelope fields shared by every event of one client.
type Builder struct {
	AgentID       string
	Env           string
	AgentVersion  string
	PolicyVersion string
	Clock         *Clock
	NewID         func() string
}

// WithPolicyVersion returns a copy of b that stamps the given policy version.
func (b Builder) WithPolicyVersion(v string) Builder {
	b.PolicyVersion = v
	return b
}

func (b Builder) envelope(t model.EventType, runID string, meta map[string]any) model.Event {
	clock := b.Clock
	if clock == nil {
		clock = processClock
	}
	newID := b.NewID
	if newID == nil {
		newID = NewEventID
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return model.Event{
		EventID:       newID(),
		Timestamp:     clock.Timestamp(),
		EventType:     t,
		AgentID:       b.AgentID,
		Env:           b.Env,
		RunID:         model.StringPtr(runID),
		SchemaVersion: model.SchemaVersion,
		SDKVersion:    model.SDKVersion,
		AgentVersion:  model.StringPtr(b.AgentVersion),
		PolicyVersion: model.StringPtr(b.PolicyVersion),
		Metadata:      meta,
	}
}

// RunStart builds a run.start event.
func (b Builder) RunStart(runID, purpose string) model.Event {
	meta := map[string]any{}
	if purpose != "" {
		meta["purpose"] = purpose
	}
	return b.envelope(model.RunStart, runID, meta)
}

// RunEnd builds a run.end event carrying the finalized summary.
func (b Builder) RunEnd(runID string, success bool, runErr *model.StructuredError, summary Summary) model.Event {
	meta := map[string]any{
		"success": success,
		"summary": summary.ToMap(),
	}
	if runErr != nil {
		meta["error"] = runErr.ToMap()
	}
	return b.envelope(model.RunEnd, runID, meta)
}

// TaskStart builds a task.start event. parentTaskID is empty for top-level tasks.
func (b Builder) TaskStart(runID, taskID, taskType, description, parentTaskID string) model.Event {
	meta := map[string]any{"task_id": taskID}
	if taskType != "" {
		meta["task_type"] = taskType
	}
	if description != "" {
		meta["description"] = description
	}
	if parentTaskID != "" {
		meta["parent_task_id"] = parentTaskID
	}
	return b.envelope(model.TaskStart, runID, meta)
}

// TaskEnd builds a task.end event.
func (b Builder) TaskEnd(runID, taskID string, success bool, taskErr *model.StructuredError) model.Event {
	meta := map[string]any{
		"task_id": taskID,
		"success": success,
	}
	if taskErr != nil {
		meta["error"] = taskErr.ToMap()
	}
	return b.envelope(model.TaskEnd, runID, meta)
}

// ToolRequest builds a tool.request event. extra carries optional
// correlation fields such as trace_id/span_id.
func (b Builder) ToolRequest(runID, toolName, toolCallID string, args map[string]any, attempt int, extra map[string]any) model.Event {
	if args == nil {
		args = map[string]any{}
	}
	meta := map[string]any{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"args":         args,
		"attempt":      attempt,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return b.envelope(model.ToolRequest, runID, meta)
}

// PolicyDecision builds a policy.decision event.
func (b Builder) PolicyDecision(runID, toolName, toolCallID string, decision model.Decision, reason string, latencyMs float64, attempt int) model.Event {
	return b.envelope(model.PolicyDecision, runID, map[string]any{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"decision":     string(decision),
		"reason":       reason,
		"latency_ms":   latencyMs,
		"attempt":      attempt,
	})
}

// ToolOutcome is the terminal record of one tool call.
type ToolOutcome struct {
	ToolName        string
	ToolCallID      string
	Status          model.ToolStatus
	Attempt         int
	Retries         int
	PolicyLatencyMs float64
	ToolLatencyMs   float64
	TotalLatencyMs  float64
	Error           *model.StructuredError
	Result          any
}

// ToolResponse builds a tool.response event. All three latency fields are
// always present.
func (b Builder) ToolResponse(runID string, o ToolOutcome) model.Event {
	meta := map[string]any{
		"tool_name":         o.ToolName,
		"tool_call_id":      o.ToolCallID,
		"status":            string(o.Status),
		"policy_latency_ms": o.PolicyLatencyMs,
		"tool_latency_ms":   o.ToolLatencyMs,
		"total_latency_ms":  o.TotalLatencyMs,
		"attempt":           o.Attempt,
		"retries":           o.Retries,
	}
	if o.Error != nil {
		meta["error"] = o.Error.ToMap()
	}
	if o.Result != nil {
		meta["result"] = o.Result
	}
	return b.envelope(model.ToolResponse, runID, meta)
}

// Handoff builds a handoff event.
func (b Builder) Handoff(runID, toAgentID, reason string, context map[string]any) model.Event {
	meta := map[string]any{
		"from_agent_id": b.AgentID,
		"to_agent_id":   toAgentID,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	if len(context) > 0 {
		meta["context"] = context
	}
	return b.envelope(model.Handoff, runID, meta)
}

// Now reads the builder's clock.
func (b Builder) Now() time.Time {
	if b.Clock == nil {
		return processClock.Now()
	}
	return b.Clock.Now()
}
