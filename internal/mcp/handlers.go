package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/r3fresh-alm/r3fresh/internal/classify"
	"github.com/r3fresh-alm/r3fresh/internal/enforce"
	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/tracer"
)

// maxBody caps the response body returned by alm_http.
const maxBody = 1 << 20

// --- Input/Output types ---

// CallOutput is the result of a registered tool or block details.
type CallOutput struct {
	Result   any    `json:"result,omitempty"`
	Blocked  bool   `json:"blocked,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CheckInput defines parameters for the alm_check tool.
type CheckInput struct {
	Tool string `json:"tool" jsonschema:"tool name to check"`
}

// CheckOutput contains the policy decision.
type CheckOutput struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	ToolCalls int    `json:"tool_calls"`
}

// SummaryInput is empty; no parameters needed.
type SummaryInput struct{}

// SummaryOutput reports the session's counters.
type SummaryOutput struct {
	RunID   string         `json:"run_id"`
	Summary tracer.Summary `json:"summary"`
}

// HTTPInput defines parameters for the alm_http tool.
type HTTPInput struct {
	Method  string            `json:"method" jsonschema:"HTTP method (GET/POST/PUT/DELETE)"`
	URL     string            `json:"url" jsonschema:"request URL"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"request body"`
}

// HTTPOutput contains the HTTP response or block details.
type HTTPOutput struct {
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body,omitempty"`
	Blocked  bool              `json:"blocked,omitempty"`
	Decision string            `json:"decision,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCall(ctx context.Context, name string, input map[string]any) (*mcpsdk.CallToolResult, CallOutput, error) {
	s.mu.Lock()
	fn, ok := s.tools[name]
	s.mu.Unlock()
	if !ok {
		return nil, CallOutput{}, fmt.Errorf("unknown tool %q", name)
	}

	result, err := s.invoke(ctx, name, input, fn)
	if err != nil {
		var denied *enforce.DeniedError
		if errors.As(err, &denied) {
			out := CallOutput{
				Blocked:  true,
				Decision: string(model.Deny),
				Reason:   denied.Reason,
			}
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		return nil, CallOutput{}, err
	}
	return nil, CallOutput{Result: result}, nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	if input.Tool == "" {
		return nil, CheckOutput{}, fmt.Errorf("tool is required")
	}
	count := s.run.ToolCalls()
	decision, reason := s.run.Policy().Decide(input.Tool, count)
	return nil, CheckOutput{
		Decision:  string(decision),
		Reason:    reason,
		ToolCalls: count,
	}, nil
}

func (s *Server) handleSummary(ctx context.Context, req *mcpsdk.CallToolRequest, input SummaryInput) (*mcpsdk.CallToolResult, SummaryOutput, error) {
	return nil, SummaryOutput{RunID: s.RunID(), Summary: s.Summary()}, nil
}

func (s *Server) handleHTTP(ctx context.Context, req *mcpsdk.CallToolRequest, input HTTPInput) (*mcpsdk.CallToolResult, HTTPOutput, error) {
	if input.Method == "" {
		input.Method = "GET"
	}
	method := strings.ToUpper(input.Method)
	args := map[string]any{
		"method":  method,
		"url":     input.URL,
		"headers": input.Headers,
		"body":    input.Body,
	}

	result, err := s.invoke(ctx, HTTPToolName(method), args, func(ctx context.Context, _ map[string]any) (any, error) {
		return s.doHTTP(ctx, method, input)
	})
	if err != nil {
		var denied *enforce.DeniedError
		if errors.As(err, &denied) {
			out := HTTPOutput{
				Blocked:  true,
				Decision: string(model.Deny),
				Reason:   denied.Reason,
			}
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		return nil, HTTPOutput{}, err
	}
	return nil, result.(HTTPOutput), nil
}

// HTTPToolName is the policy name of an alm_http call, e.g. http_post.
func HTTPToolName(method string) string {
	return "http_" + strings.ToLower(method)
}

func (s *Server) invoke(ctx context.Context, name string, args map[string]any, fn enforce.Func) (any, error) {
	return enforce.Invoke(ctx, s.run, enforce.Call{
		ToolName:   name,
		Args:       args,
		MaxRetries: s.maxRetries,
		Redactor:   s.redactor,
		Logger:     s.logger,
	}, fn)
}

// doHTTP performs the request. Retryable statuses are returned as errors so
// the wrapper can retry them; other statuses are returned to the caller.
func (s *Server) doHTTP(ctx context.Context, method string, input HTTPInput) (HTTPOutput, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, input.URL, strings.NewReader(input.Body))
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range input.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("failed to read response: %w", err)
	}

	statusErr := &classify.StatusError{StatusCode: resp.StatusCode}
	if classify.IsRetryableCategory(statusErr.Category()) {
		return HTTPOutput{}, statusErr
	}

	headers := make(map[string]string)
	for k, vv := range resp.Header {
		headers[k] = strings.Join(vv, ", ")
	}

	return HTTPOutput{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(body),
	}, nil
}
