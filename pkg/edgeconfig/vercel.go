package edgeconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/metrics"
)

const (
	DefaultEdgeURL = "https://edge-config.vercel.com"
	DefaultAPIURL  = "https://api.vercel.com"

	requestTimeout = 5 * time.Second

	// maxBody bounds responses read from the API
	maxBody = 4 << 20
)

// ErrReadOnly is returned by Set when no API token is configured
var ErrReadOnly = errors.New("edgeconfig: write requires VERCEL_API_TOKEN")

// VercelConfig configures the Vercel Edge Config client
type VercelConfig struct {
	ID        string
	ReadToken string
	APIToken  string
	TeamID    string
	EdgeURL   string
	APIURL    string

	HTTPClient *http.Client
}

// VercelStore reads items from the Edge Config read endpoint and writes
// them through the REST API. Every call goes through a circuit breaker so
// an unavailable API degrades the dashboard to its KV backup quickly.
type VercelStore struct {
	cfg    VercelConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	name   string
}

// NewVercelStore creates a Vercel Edge Config client.
// Circuit breaker configuration:
//   - 1 probe request in half-open state
//   - counts reset every minute while closed
//   - 30 second cool-down before probing again
//   - opens after 5 consecutive failures
func NewVercelStore(cfg VercelConfig) (*VercelStore, error) {
	if cfg.ID == "" || cfg.ReadToken == "" {
		return nil, errors.New("edgeconfig: ID and read token are required")
	}
	if cfg.EdgeURL == "" {
		cfg.EdgeURL = DefaultEdgeURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	name := "edge-config"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing item is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Edge Config circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &VercelStore{cfg: cfg, client: client, cb: cb, name: name}, nil
}

// Item reads the raw JSON of GET {edge}/{id}/item/{key}
func (s *VercelStore) Item(ctx context.Context, key string) ([]byte, error) {
	return s.execute(func() ([]byte, error) {
		u := fmt.Sprintf("%s/%s/item/%s", s.cfg.EdgeURL, url.PathEscape(s.cfg.ID), url.PathEscape(key))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.cfg.ReadToken)
		return s.do(req)
	})
}

// Get implements Store
func (s *VercelStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.Item(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode edge config item %s: %w", key, err)
	}
	return true, nil
}

type itemsPatch struct {
	Items []itemOp `json:"items"`
}

type itemOp struct {
	Operation string `json:"operation"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
}

// Set upserts the item with PATCH {api}/v1/edge-config/{id}/items
func (s *VercelStore) Set(ctx context.Context, key string, value any) error {
	if s.cfg.APIToken == "" {
		return ErrReadOnly
	}

	body, err := json.Marshal(itemsPatch{Items: []itemOp{{Operation: "upsert", Key: key, Value: value}}})
	if err != nil {
		return fmt.Errorf("encode edge config item %s: %w", key, err)
	}

	_, err = s.execute(func() ([]byte, error) {
		u := fmt.Sprintf("%s/v1/edge-config/%s/items", s.cfg.APIURL, url.PathEscape(s.cfg.ID))
		if s.cfg.TeamID != "" {
			u += "?teamId=" + url.QueryEscape(s.cfg.TeamID)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
		req.Header.Set("Content-Type", "application/json")
		return s.do(req)
	})
	return err
}

func (s *VercelStore) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge config %s: %w", req.Method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("edge config %s: read body: %w", req.Method, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet := body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("edge config %s: status %d: %s", req.Method, resp.StatusCode, snippet)
	}
	return body, nil
}

func (s *VercelStore) execute(fn func() ([]byte, error)) ([]byte, error) {
	out, err := s.cb.Execute(fn)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		metrics.CircuitBreakerRequests.WithLabelValues(s.name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(s.name, "rejected").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(s.name, "failure").Inc()
	}
	return out, err
}

// State reports the breaker state for health output
func (s *VercelStore) State() string {
	return s.cb.State().String()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
