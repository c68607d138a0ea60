package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Events) == 0 {
		return fmt.Sprintf("Run: %s | No events found.\n", result.RunID)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Run: %s | %s–%s UTC\n", result.RunID, first, last))
	b.WriteString(separator + "\n")

	for _, ev := range result.Events {
		b.WriteString(fmt.Sprintf("%-10s %-16s %s\n",
			formatTimeOnly(ev.Timestamp), ev.EventType, truncate(describe(ev), 60)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

// describe picks the metadata worth one line of timeline for ev.
func describe(ev model.Event) string {
	m := ev.Metadata
	switch ev.EventType {
	case model.RunStart:
		return stringField(m, "purpose")
	case model.RunEnd:
		return fmt.Sprintf("success=%v", m["success"])
	case model.TaskStart:
		return strings.TrimSpace(stringField(m, "task_type") + " " + stringField(m, "description"))
	case model.TaskEnd:
		return fmt.Sprintf("%s success=%v", stringField(m, "task_id"), m["success"])
	case model.ToolRequest:
		return stringField(m, "tool_name")
	case model.PolicyDecision:
		return fmt.Sprintf("%s %s (%s)", stringField(m, "tool_name"),
			strings.ToUpper(stringField(m, "decision")), stringField(m, "reason"))
	case model.ToolResponse:
		return fmt.Sprintf("%s %s", stringField(m, "tool_name"), stringField(m, "status"))
	case model.Handoff:
		return "-> " + stringField(m, "to_agent_id")
	}
	return ""
}

func formatDateRange(ts string) string {
	t, err := time.Parse(tracer.TimestampLayout, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(tracer.TimestampLayout, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{fmt.Sprintf("%d tool calls", s.ToolCalls)}
	if s.Allowed > 0 {
		parts = append(parts, fmt.Sprintf("%d allowed", s.Allowed))
	}
	if s.Denied > 0 {
		parts = append(parts, fmt.Sprintf("%d denied", s.Denied))
	}
	if s.Errors > 0 {
		parts = append(parts, fmt.Sprintf("%d error", s.Errors))
	}
	if s.Handoffs > 0 {
		parts = append(parts, fmt.Sprintf("%d handoff", s.Handoffs))
	}

	outcome := "open"
	if s.Success != nil {
		outcome = "failed"
		if *s.Success {
			outcome = "succeeded"
		}
	}
	return fmt.Sprintf("Summary: %s | Tasks: %d ok, %d failed | Run %s\n",
		strings.Join(parts, ", "), s.TasksCompleted, s.TasksFailed, outcome)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
