package monitor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/aggregator"
)

// maxConsecutiveErrors is the failure streak after which /health degrades
const maxConsecutiveErrors = 3

// AggregationMonitor tracks aggregator health across cron and scheduler runs.
type AggregationMonitor struct {
	clock clockwork.Clock

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastOutcome       aggregator.Outcome
	consecutiveErrors int
	lastError         string
}

// NewAggregationMonitor creates a monitor reading time from clock
func NewAggregationMonitor(clock clockwork.Clock) *AggregationMonitor {
	return &AggregationMonitor{clock: clock}
}

// ObserveRun implements aggregator.Observer.
func (m *AggregationMonitor) ObserveRun(res *aggregator.Result, err error) {
	switch {
	case err != nil:
		m.RecordFailure(err)
	case res != nil && res.Skipped:
		m.RecordSkip(res.Outcome)
	default:
		m.RecordSuccess()
	}
}

// RecordSuccess records a completed aggregation.
func (m *AggregationMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.lastOutcome = aggregator.OutcomeSuccess
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordSkip records a run the throttle or lock turned away. Skips neither
// reset nor extend a failure streak.
func (m *AggregationMonitor) RecordSkip(outcome aggregator.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.clock.Now()
	m.lastOutcome = outcome
}

// RecordFailure records a failed aggregation.
func (m *AggregationMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.clock.Now()
	m.lastOutcome = aggregator.OutcomeError
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy is false after more than maxConsecutiveErrors failed runs in a
// row. A service that has never aggregated is healthy: runs only happen
// once the dashboard has been viewed.
func (m *AggregationMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveErrors <= maxConsecutiveErrors
}

// AggregationStatus is the aggregator section of /health.
type AggregationStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastOutcome       string `json:"last_outcome,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current aggregation status for health checks.
func (m *AggregationMonitor) Status() AggregationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := AggregationStatus{
		Healthy:     m.consecutiveErrors <= maxConsecutiveErrors,
		LastOutcome: string(m.lastOutcome),
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = m.clock.Since(m.lastSuccess).String()
	}

	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}

	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}

	return status
}
