package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/jkristoffer/bs-display-analytics/pkg/codec"
	"github.com/jkristoffer/bs-display-analytics/pkg/ingest"
)

// ErrNotStored is returned when the server accepted the payload but
// answered "error" because its store write failed. Such flushes are not
// worth retrying.
var ErrNotStored = errors.New("ingest: server could not store payload")

// Transport sends one session's flush
type Transport interface {
	Send(ctx context.Context, p *ingest.Payload) error
}

// HTTPTransport posts LZ4-compressed payloads to the ingest endpoint
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates a new HTTP transport
func NewHTTP(endpoint string) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	return &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send sends p to the ingest endpoint
func (t *HTTPTransport) Send(ctx context.Context, p *ingest.Payload) error {
	if p == nil || (len(p.Aggregates) == 0 && len(p.RawEvents) == 0) {
		return nil
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	body, err := codec.Compress(raw)
	if err != nil {
		return fmt.Errorf("failed to compress payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", ingest.EncodingLZ4)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(reply))
	}
	if string(bytes.TrimSpace(reply)) == "error" {
		return ErrNotStored
	}
	return nil
}
