package analytics

import (
	"math"
	"strings"
	"time"
)

const (
	// ISOLayout matches JavaScript's Date.toISOString
	ISOLayout = "2006-01-02T15:04:05.000Z07:00"

	// DateLayout is the daily trend date format
	DateLayout = "2006-01-02"

	// DefaultPeriod is used for empty or unknown period values
	DefaultPeriod = "24h"

	hourlyPoints = 24
	dailyPoints  = 30
)

var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// FormatISO formats t in UTC with millisecond precision
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ValidPeriod reports whether p is one of 1h, 24h, 7d, 30d
func ValidPeriod(p string) bool {
	_, ok := periods[p]
	return ok
}

// NormalizePeriod maps unknown values to DefaultPeriod
func NormalizePeriod(p string) string {
	if ValidPeriod(p) {
		return p
	}
	return DefaultPeriod
}

// PeriodStart returns the earliest time covered by period
func PeriodStart(period string, now time.Time) time.Time {
	d, ok := periods[period]
	if !ok {
		d = periods[DefaultPeriod]
	}
	return now.Add(-d)
}

// EmptyHourlyTrend returns 24 zero points, one per hour, ending at now
func EmptyHourlyTrend(now time.Time) []HourlyPoint {
	out := make([]HourlyPoint, 0, hourlyPoints)
	for i := hourlyPoints - 1; i >= 0; i-- {
		out = append(out, HourlyPoint{Time: FormatISO(now.Add(-time.Duration(i) * time.Hour))})
	}
	return out
}

// EmptyDailyTrend returns 30 zero points, one per day, ending today
func EmptyDailyTrend(now time.Time) []DailyPoint {
	out := make([]DailyPoint, 0, dailyPoints)
	for i := dailyPoints - 1; i >= 0; i-- {
		out = append(out, DailyPoint{Date: now.UTC().AddDate(0, 0, -i).Format(DateLayout)})
	}
	return out
}

// FallbackSummary is the zeroed, well-shaped summary served when nothing
// else can be produced.
func FallbackSummary(now time.Time) *DashboardSummary {
	return &DashboardSummary{
		Generated: now.UnixMilli(),
		Period:    DefaultPeriod,
		Trends: Trends{
			Hourly: EmptyHourlyTrend(now),
			Daily:  EmptyDailyTrend(now),
		},
		TopContent: []ContentItem{},
		Sources:    []TrafficSource{},
	}
}

// EstimateTrafficSources splits total with a fixed 40/30/20/10 heuristic.
// Every entry is flagged Estimated.
func EstimateTrafficSources(total int64) []TrafficSource {
	shares := []struct {
		name string
		pct  int64
	}{
		{"Direct", 40},
		{"Search", 30},
		{"Social", 20},
		{"Referral", 10},
	}

	out := make([]TrafficSource, 0, len(shares))
	for _, s := range shares {
		out = append(out, TrafficSource{
			Name:       s.name,
			Visits:     total * s.pct / 100,
			Percentage: float64(s.pct),
			Estimated:  true,
		})
	}
	return out
}

var (
	searchNames = map[string]bool{"google": true, "bing": true, "duckduckgo": true, "yahoo": true, "baidu": true, "yandex": true, "ecosia": true}
	socialNames = map[string]bool{"facebook": true, "twitter": true, "linkedin": true, "instagram": true, "youtube": true, "reddit": true, "pinterest": true, "tiktok": true}
	socialHosts = map[string]bool{"t.co": true, "x.com": true, "lnkd.in": true, "fb.me": true}
)

// SourcesFromReferrers classifies measured referrer counts into
// Direct/Search/Social/Referral. Returns an empty slice when nothing was measured.
func SourcesFromReferrers(refs []ReferrerCount) []TrafficSource {
	names := []string{"Direct", "Search", "Social", "Referral"}
	visits := make(map[string]int64, len(names))
	var total int64
	for _, r := range refs {
		visits[classifyReferrer(r.Source)] += r.Count
		total += r.Count
	}

	out := make([]TrafficSource, 0, len(names))
	if total == 0 {
		return out
	}
	for _, n := range names {
		pct := float64(visits[n]) * 100 / float64(total)
		out = append(out, TrafficSource{
			Name:       n,
			Visits:     visits[n],
			Percentage: math.Round(pct*10) / 10,
		})
	}
	return out
}

func classifyReferrer(host string) string {
	if host == "" {
		return "Direct"
	}
	if socialHosts[host] {
		return "Social"
	}
	for _, label := range strings.Split(host, ".") {
		if searchNames[label] {
			return "Search"
		}
		if socialNames[label] {
			return "Social"
		}
	}
	return "Referral"
}

// SummaryOptions tunes Summarize
type SummaryOptions struct {
	TopN            int
	EstimateSources bool
}

// Summarize derives a DashboardSummary from a period total and its trends.
// Sources are measured when referrers were recorded, estimated only when
// opts.EstimateSources is set, and empty otherwise.
func Summarize(now time.Time, period string, total AggregatedData, trends Trends, opts SummaryOptions) *DashboardSummary {
	m := total.Metrics

	var avg float64
	if m.UniqueSessions > 0 && m.SessionDuration > 0 {
		avg = math.Round(m.SessionDuration/float64(m.UniqueSessions)*10) / 10
	}

	sources := SourcesFromReferrers(total.Dimensions.TopReferrers)
	if len(sources) == 0 && opts.EstimateSources {
		sources = EstimateTrafficSources(m.PageViews)
	}

	if trends.Hourly == nil {
		trends.Hourly = []HourlyPoint{}
	}
	if trends.Daily == nil {
		trends.Daily = []DailyPoint{}
	}

	return &DashboardSummary{
		Generated: now.UnixMilli(),
		Period:    period,
		Overview: Overview{
			TotalVisitors:      m.UniqueSessions,
			PageViews:          m.PageViews,
			Conversions:        m.Conversions,
			AvgSessionDuration: avg,
		},
		Trends:     trends,
		TopContent: TopContent(total.Dimensions.TopPages, opts.TopN),
		Sources:    sources,
	}
}
