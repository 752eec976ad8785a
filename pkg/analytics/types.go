package analytics

import (
	"strings"
	"time"
)

// EventType classifies an analytics event
type EventType string

const (
	EventPageView    EventType = "page_view"
	EventInteraction EventType = "interaction"
	EventQuiz        EventType = "quiz_event"
	EventConversion  EventType = "conversion"
	EventCustom      EventType = "custom"
)

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventPageView, EventInteraction, EventQuiz, EventConversion, EventCustom:
		return true
	}
	return false
}

// AnalyticsEvent is a raw event as recorded by the browser tracker.
type AnalyticsEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`
}

// EventMetadata carries optional request context for an event
type EventMetadata struct {
	URL          string  `json:"url,omitempty"`
	Referrer     string  `json:"referrer,omitempty"`
	UserAgent    string  `json:"userAgent,omitempty"`
	SamplingRate float64 `json:"samplingRate,omitempty"`
}

// BucketRecord is a fine-grained five-minute aggregate for one event type
// and session. Key is the store key with the five-minute prefix removed:
// "<type>:<sessionId>:<YYYY-MM-DD-HH-mm>".
type BucketRecord struct {
	Key         string         `json:"key"`
	Type        EventType      `json:"type,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Count       int64          `json:"count"`
	Data        map[string]any `json:"data,omitempty"`
	SampleRate  float64        `json:"sampleRate,omitempty"`
	LastUpdated int64          `json:"lastUpdated"`
}

// EventType returns the type embedded in the composite key, falling back
// to the Type field for records written without one.
func (r BucketRecord) EventType() EventType {
	if i := strings.IndexByte(r.Key, ':'); i > 0 {
		return EventType(r.Key[:i])
	}
	return r.Type
}

// Path is the page path of a page_view record ("/" when absent)
func (r BucketRecord) Path() string {
	if p, ok := r.Data["path"].(string); ok && p != "" {
		return p
	}
	return "/"
}

// Referrer returns the recorded referrer and whether one was recorded at all.
// An empty referrer that was recorded means direct traffic.
func (r BucketRecord) Referrer() (string, bool) {
	v, ok := r.Data["referrer"]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// Duration returns the summed session time in seconds carried in data.duration
func (r BucketRecord) Duration() float64 {
	return number(r.Data["duration"])
}

// Device returns data.deviceType, if recorded
func (r BucketRecord) Device() string {
	s, _ := r.Data["deviceType"].(string)
	return s
}

// AggregatedData is a roll-up over one bucket window.
type AggregatedData struct {
	Period     string     `json:"period"`
	StartTime  int64      `json:"startTime"`
	EndTime    int64      `json:"endTime"`
	Metrics    Metrics    `json:"metrics"`
	Dimensions Dimensions `json:"dimensions"`
}

// Start returns StartTime as a UTC time
func (a AggregatedData) Start() time.Time {
	return time.UnixMilli(a.StartTime).UTC()
}

type Metrics struct {
	TotalEvents     int64            `json:"totalEvents"`
	UniqueSessions  int64            `json:"uniqueSessions"`
	EventsByType    map[string]int64 `json:"eventsByType"`
	PageViews       int64            `json:"pageViews"`
	Conversions     int64            `json:"conversions"`
	QuizCompletions int64            `json:"quizCompletions"`
	// SessionDuration is the summed duration (seconds) reported by sessions
	SessionDuration float64 `json:"sessionDuration,omitempty"`
}

type Dimensions struct {
	TopPages     []PageCount      `json:"topPages,omitempty"`
	TopReferrers []ReferrerCount  `json:"topReferrers,omitempty"`
	DeviceTypes  map[string]int64 `json:"deviceTypes,omitempty"`
}

type PageCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

type ReferrerCount struct {
	Source string `json:"source"`
	Count  int64  `json:"count"`
}

// DashboardSummary is the cache-friendly artifact served to the dashboard.
// It is always replaced whole, never patched.
type DashboardSummary struct {
	Generated  int64           `json:"generated"`
	Period     string          `json:"period"`
	Overview   Overview        `json:"overview"`
	Trends     Trends          `json:"trends"`
	TopContent []ContentItem   `json:"topContent"`
	Sources    []TrafficSource `json:"sources"`
}

// FreshWithin reports whether the summary was generated less than window ago
func (s *DashboardSummary) FreshWithin(now time.Time, window time.Duration) bool {
	if s == nil || s.Generated <= 0 {
		return false
	}
	return now.UnixMilli()-s.Generated < window.Milliseconds()
}

type Overview struct {
	TotalVisitors      int64   `json:"totalVisitors"`
	PageViews          int64   `json:"pageViews"`
	Conversions        int64   `json:"conversions"`
	AvgSessionDuration float64 `json:"avgSessionDuration"`
}

type Trends struct {
	Hourly []HourlyPoint `json:"hourly"`
	Daily  []DailyPoint  `json:"daily"`
}

type HourlyPoint struct {
	Time  string `json:"time"`
	Value int64  `json:"value"`
}

type DailyPoint struct {
	Date  string `json:"date"`
	Value int64  `json:"value"`
}

type ContentItem struct {
	Path       string `json:"path"`
	Views      int64  `json:"views"`
	Engagement int64  `json:"engagement"`
}

// TrafficSource is one slice of the visit breakdown. Estimated marks
// heuristic values that were not measured from referrers.
type TrafficSource struct {
	Name       string  `json:"name"`
	Visits     int64   `json:"visits"`
	Percentage float64 `json:"percentage"`
	Estimated  bool    `json:"estimated,omitempty"`
}

// AggregationStatus is published to Edge Config after every run
type AggregationStatus struct {
	LastRun  int64  `json:"lastRun"`
	Duration int64  `json:"duration"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
