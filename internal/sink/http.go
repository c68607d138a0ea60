package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

// EventsPath is appended to the configured base URL.
const EventsPath = "/v1/events"

// DefaultTimeout bounds one delivery request.
const DefaultTimeout = 10 * time.Second

// HTTPTransport POSTs a batch as a JSON array.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPTransport creates a transport for baseURL. A zero timeout means
// DefaultTimeout.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + EventsPath,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the full delivery URL.
func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// Send posts the batch as a JSON array. Any non-2xx status is an error.
func (t *HTTPTransport) Send(ctx context.Context, batch []json.RawMessage) error {
	var body bytes.Buffer
	body.WriteByte('[')
	for i, raw := range batch {
		if i > 0 {
			body.WriteByte(',')
		}
		body.Write(raw)
	}
	body.WriteByte(']')

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return fmt.Errorf("sink: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "r3fresh-go/"+model.SDKVersion)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post %s: %w", t.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink: collector rejected batch: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
