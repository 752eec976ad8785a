package aggregator

import (
	"time"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
)

// Outcome labels a Run for metrics and the cron response
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeThrottled      Outcome = "throttled"
	OutcomeNoRecentAccess Outcome = "no_recent_access"
	OutcomeLocked         Outcome = "locked"
	OutcomeError          Outcome = "error"
)

// Result describes one invocation of Run.
//
// Skipped runs carry only Outcome, Reason and the matching timestamp
// (NextRun when throttled, LastAccess when the dashboard was idle).
type Result struct {
	Outcome Outcome
	Skipped bool
	Reason  string

	NextRun    time.Time
	LastAccess time.Time

	Duration       time.Duration
	TotalEvents    int64
	UniqueSessions int64
	BucketsRead    int
	HourlyRecords  int
	DailyRecords   int
	Deleted        int

	Summary *analytics.DashboardSummary
}

// hourBucket groups the five-minute records of one calendar hour
type hourBucket struct {
	start time.Time
	acc   *analytics.Accumulator
}
