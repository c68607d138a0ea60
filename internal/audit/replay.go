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

// ReplayFilter holds filtering criteria for run replay.
type ReplayFilter struct {
	RunID string
	From  time.Time // zero value = no lower bound
	To    time.Time // zero value = no upper bound
}

// ReplaySummary holds counts rebuilt from the events of one run, alongside
// the summary the run reported on run.end.
type ReplaySummary struct {
	Events         int             `json:"events"`
	ToolCalls      int             `json:"tool_calls"`
	Allowed        int             `json:"allowed"`
	Denied         int             `json:"denied"`
	Errors         int             `json:"errors"`
	Retried        int             `json:"retried"`
	TasksCompleted int             `json:"tasks_completed"`
	TasksFailed    int             `json:"tasks_failed"`
	Handoffs       int             `json:"handoffs"`
	FirstTimestamp string          `json:"first_timestamp"`
	LastTimestamp  string          `json:"last_timestamp"`
	Success        *bool           `json:"success,omitempty"`
	Reported       *tracer.Summary `json:"reported,omitempty"`
}

// ReplayResult holds filtered events and summary for a run replay.
type ReplayResult struct {
	RunID   string        `json:"run_id"`
	Events  []model.Event `json:"events"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads a JSONL event stream and returns the events of one run.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer f.Close()
	return ReplayReader(f, filter)
}

// ReplayReader is Replay over an arbitrary reader. Malformed lines are skipped.
func ReplayReader(r io.Reader, filter ReplayFilter) (*ReplayResult, error) {
	result := &ReplayResult{
		RunID: filter.RunID,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var ev model.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}

		if ev.Run() != filter.RunID {
			continue
		}

		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(tracer.TimestampLayout, ev.Timestamp)
			if err != nil {
				continue
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}

		result.Events = append(result.Events, ev)
		updateSummary(&result.Summary, ev)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	return result, nil
}

// RunIDs lists the distinct run ids in a stream in order of first appearance.
func RunIDs(r io.Reader) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var ev model.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if id := ev.Run(); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return ids, nil
}

func updateSummary(s *ReplaySummary, ev model.Event) {
	s.Events++

	switch ev.EventType {
	case model.ToolResponse:
		s.ToolCalls++
		switch model.ToolStatus(stringField(ev.Metadata, "status")) {
		case model.StatusSuccess:
			s.Allowed++
		case model.StatusError:
			s.Allowed++
			s.Errors++
		case model.StatusDenied:
			s.Denied++
		}
		s.Retried += intField(ev.Metadata, "retries")
	case model.TaskEnd:
		if ok, _ := ev.Metadata["success"].(bool); ok {
			s.TasksCompleted++
		} else {
			s.TasksFailed++
		}
	case model.Handoff:
		s.Handoffs++
	case model.RunEnd:
		if ok, isBool := ev.Metadata["success"].(bool); isBool {
			s.Success = &ok
		}
		s.Reported = decodeSummary(ev.Metadata["summary"])
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = ev.Timestamp
	}
	s.LastTimestamp = ev.Timestamp
}

// Mismatches compares the rebuilt counts with the reported run.end summary.
// It returns nil when the run has not ended or everything agrees.
func (s ReplaySummary) Mismatches() []string {
	if s.Reported == nil {
		return nil
	}
	var out []string
	check := func(name string, got, reported int) {
		if got != reported {
			out = append(out, fmt.Sprintf("%s: %d in events, %d reported", name, got, reported))
		}
	}
	r := s.Reported
	check("tool_calls.total", s.ToolCalls, r.ToolCalls.Total)
	check("tool_calls.allowed", s.Allowed, r.ToolCalls.Allowed)
	check("tool_calls.denied", s.Denied, r.ToolCalls.Denied)
	check("tool_calls.error", s.Errors, r.ToolCalls.Error)
	check("tool_calls.retried", s.Retried, r.ToolCalls.Retried)
	check("tasks.completed", s.TasksCompleted, r.Tasks.Completed)
	check("tasks.failed", s.TasksFailed, r.Tasks.Failed)
	check("handoffs", s.Handoffs, r.Handoffs)
	if r.ToolCalls.Total != r.ToolCalls.Allowed+r.ToolCalls.Denied {
		out = append(out, fmt.Sprintf("reported total %d != allowed %d + denied %d",
			r.ToolCalls.Total, r.ToolCalls.Allowed, r.ToolCalls.Denied))
	}
	return out
}

func decodeSummary(v any) *tracer.Summary {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var s tracer.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// intField reads a JSON number, which decodes as float64.
func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
