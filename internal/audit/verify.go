// Package audit checks and replays JSONL event streams produced by the line
// sink or the collector.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// maxLine bounds a single event line. Results are truncated upstream, but a
// run.end with a large summary or many args can exceed bufio's 64KiB default.
const maxLine = 4 << 20

// VerifyResult holds the outcome of a stream verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Runs      int    `json:"runs"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL event stream and checks envelope and ordering rules.
// Returns Valid=true if every event passes, or details about the first
// violation.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

type runState struct {
	ended    bool
	lastTime time.Time
	calls    map[string]model.EventType
	tasks    map[string]bool
}

// VerifyReader is Verify over an arbitrary reader. Blank lines are skipped.
func VerifyReader(r io.Reader) VerifyResult {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	seen := make(map[string]bool)
	runs := make(map[string]*runState)
	lineNum := 0

	fail := func(format string, args ...any) VerifyResult {
		return VerifyResult{Lines: lineNum, Runs: len(runs), Error: fmt.Sprintf(format, args...), ErrorLine: lineNum}
	}

	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fail("parse error: %v", err)
		}
		for _, k := range envelopeFields {
			if _, ok := fields[k]; !ok {
				return fail("missing envelope field %q", k)
			}
		}

		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fail("parse error: %v", err)
		}
		if msg := checkEnvelope(ev); msg != "" {
			return fail("%s", msg)
		}
		if seen[ev.EventID] {
			return fail("duplicate event_id %s", ev.EventID)
		}
		seen[ev.EventID] = true

		if ev.RunID == nil {
			// Detached tool calls carry no run and are only checked per call.
			continue
		}
		ts, _ := time.Parse(tracer.TimestampLayout, ev.Timestamp)

		rs, ok := runs[*ev.RunID]
		if !ok {
			if ev.EventType != model.RunStart {
				return fail("run %s: first event is %s, expected %s", *ev.RunID, ev.EventType, model.RunStart)
			}
			runs[*ev.RunID] = &runState{
				lastTime: ts,
				calls:    make(map[string]model.EventType),
				tasks:    make(map[string]bool),
			}
			continue
		}

		if rs.ended {
			return fail("run %s: %s after %s", *ev.RunID, ev.EventType, model.RunEnd)
		}
		if ts.Before(rs.lastTime) {
			return fail("run %s: timestamp %s goes backwards", *ev.RunID, ev.Timestamp)
		}
		rs.lastTime = ts

		if msg := rs.apply(ev); msg != "" {
			return fail("run %s: %s", *ev.RunID, msg)
		}
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: lineNum, Runs: len(runs)}
}

var envelopeFields = []string{
	"event_id", "timestamp", "event_type", "agent_id", "env", "run_id",
	"schema_version", "sdk_version", "agent_version", "policy_version", "metadata",
}

func checkEnvelope(ev model.Event) string {
	switch {
	case ev.EventID == "":
		return "empty event_id"
	case !ev.EventType.Valid():
		return fmt.Sprintf("unknown event_type %q", ev.EventType)
	case ev.SchemaVersion == "":
		return "empty schema_version"
	case ev.Metadata == nil:
		return "metadata must be an object"
	}
	if _, err := time.Parse(tracer.TimestampLayout, ev.Timestamp); err != nil {
		return fmt.Sprintf("bad timestamp %q", ev.Timestamp)
	}
	return ""
}

// apply advances per-run bookkeeping for one event after run.start.
func (rs *runState) apply(ev model.Event) string {
	switch ev.EventType {
	case model.RunStart:
		return "duplicate " + string(model.RunStart)
	case model.RunEnd:
		rs.ended = true
		for id, open := range rs.tasks {
			if open {
				return fmt.Sprintf("task %s still open at %s", id, model.RunEnd)
			}
		}
	case model.TaskStart:
		id, _ := ev.Metadata["task_id"].(string)
		if id == "" {
			return "task.start without task_id"
		}
		if _, dup := rs.tasks[id]; dup {
			return fmt.Sprintf("task %s started twice", id)
		}
		rs.tasks[id] = true
	case model.TaskEnd:
		id, _ := ev.Metadata["task_id"].(string)
		open, known := rs.tasks[id]
		if !known {
			return fmt.Sprintf("task.end for unknown task %q", id)
		}
		if !open {
			return fmt.Sprintf("task %s ended twice", id)
		}
		rs.tasks[id] = false
	case model.ToolRequest, model.PolicyDecision, model.ToolResponse:
		return rs.applyCall(ev)
	}
	return ""
}

var callOrder = map[model.EventType]model.EventType{
	model.ToolRequest:    "",
	model.PolicyDecision: model.ToolRequest,
	model.ToolResponse:   model.PolicyDecision,
}

func (rs *runState) applyCall(ev model.Event) string {
	id, _ := ev.Metadata["tool_call_id"].(string)
	if id == "" {
		return fmt.Sprintf("%s without tool_call_id", ev.EventType)
	}
	if prev := rs.calls[id]; prev != callOrder[ev.EventType] {
		if prev == "" {
			return fmt.Sprintf("call %s: %s before %s", id, ev.EventType, callOrder[ev.EventType])
		}
		return fmt.Sprintf("call %s: %s after %s", id, ev.EventType, prev)
	}
	rs.calls[id] = ev.EventType
	return ""
}
