package analytics

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// maxDimensionEntries caps the per-record page and referrer lists
const maxDimensionEntries = 50

// Accumulator folds five-minute BucketRecords into totals.
// The zero value is not usable; call NewAccumulator.
type Accumulator struct {
	totalEvents  int64
	sessions     map[string]struct{}
	eventsByType map[string]int64
	pageViews    []BucketRecord
	duration     float64
	devices      map[string]int64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		sessions:     make(map[string]struct{}),
		eventsByType: make(map[string]int64),
		devices:      make(map[string]int64),
	}
}

// Add folds one record
func (a *Accumulator) Add(rec BucketRecord) {
	a.totalEvents += rec.Count
	if rec.SessionID != "" {
		a.sessions[rec.SessionID] = struct{}{}
	}

	typ := rec.EventType()
	a.eventsByType[string(typ)] += rec.Count
	a.duration += rec.Duration()

	if typ == EventPageView {
		a.pageViews = append(a.pageViews, rec)
		if d := rec.Device(); d != "" {
			a.devices[d] += rec.Count
		}
	}
}

// TotalEvents is the summed count of every record added
func (a *Accumulator) TotalEvents() int64 { return a.totalEvents }

// UniqueSessions is the number of distinct session IDs seen
func (a *Accumulator) UniqueSessions() int64 { return int64(len(a.sessions)) }

// Aggregate produces the roll-up for [start, start+res.Width())
func (a *Accumulator) Aggregate(res Resolution, start time.Time) AggregatedData {
	byType := make(map[string]int64, len(a.eventsByType))
	for k, v := range a.eventsByType {
		byType[k] = v
	}

	agg := AggregatedData{
		Period:    res.String(),
		StartTime: start.UnixMilli(),
		EndTime:   start.Add(res.Width()).UnixMilli(),
		Metrics: Metrics{
			TotalEvents:     a.totalEvents,
			UniqueSessions:  int64(len(a.sessions)),
			EventsByType:    byType,
			PageViews:       byType[string(EventPageView)],
			Conversions:     byType[string(EventConversion)],
			QuizCompletions: byType[string(EventQuiz)],
			SessionDuration: a.duration,
		},
		Dimensions: Dimensions{
			TopPages:     rankPages(AggregateTopPages(a.pageViews), maxDimensionEntries),
			TopReferrers: rankReferrers(AggregateReferrers(a.pageViews), maxDimensionEntries),
		},
	}
	if len(a.devices) > 0 {
		agg.Dimensions.DeviceTypes = make(map[string]int64, len(a.devices))
		for k, v := range a.devices {
			agg.Dimensions.DeviceTypes[k] = v
		}
	}
	return agg
}

// FoldAggregates merges roll-ups into one covering [start, end).
// UniqueSessions is the sum of the inputs' counts, an upper bound when a
// session spans several windows.
func FoldAggregates(period string, start, end time.Time, aggs []AggregatedData) AggregatedData {
	out := AggregatedData{
		Period:    period,
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
		Metrics:   Metrics{EventsByType: make(map[string]int64)},
	}

	pages := make(map[string]int64)
	var pageOrder []string
	refs := make(map[string]int64)
	var refOrder []string
	devices := make(map[string]int64)

	for _, a := range aggs {
		m := a.Metrics
		out.Metrics.TotalEvents += m.TotalEvents
		out.Metrics.UniqueSessions += m.UniqueSessions
		out.Metrics.PageViews += m.PageViews
		out.Metrics.Conversions += m.Conversions
		out.Metrics.QuizCompletions += m.QuizCompletions
		out.Metrics.SessionDuration += m.SessionDuration
		for k, v := range m.EventsByType {
			out.Metrics.EventsByType[k] += v
		}

		for _, p := range a.Dimensions.TopPages {
			if _, ok := pages[p.Path]; !ok {
				pageOrder = append(pageOrder, p.Path)
			}
			pages[p.Path] += p.Count
		}
		for _, r := range a.Dimensions.TopReferrers {
			if _, ok := refs[r.Source]; !ok {
				refOrder = append(refOrder, r.Source)
			}
			refs[r.Source] += r.Count
		}
		for k, v := range a.Dimensions.DeviceTypes {
			devices[k] += v
		}
	}

	topPages := make([]PageCount, 0, len(pageOrder))
	for _, p := range pageOrder {
		topPages = append(topPages, PageCount{Path: p, Count: pages[p]})
	}
	topRefs := make([]ReferrerCount, 0, len(refOrder))
	for _, r := range refOrder {
		topRefs = append(topRefs, ReferrerCount{Source: r, Count: refs[r]})
	}

	out.Dimensions.TopPages = rankPages(topPages, maxDimensionEntries)
	out.Dimensions.TopReferrers = rankReferrers(topRefs, maxDimensionEntries)
	if len(devices) > 0 {
		out.Dimensions.DeviceTypes = devices
	}
	return out
}

// AggregateTopPages groups page_view records by path and sums their counts.
// Paths appear in first-seen order; ranking is left to the caller.
func AggregateTopPages(records []BucketRecord) []PageCount {
	counts := make(map[string]int64)
	var order []string
	for _, r := range records {
		p := r.Path()
		if _, ok := counts[p]; !ok {
			order = append(order, p)
		}
		counts[p] += r.Count
	}

	out := make([]PageCount, 0, len(order))
	for _, p := range order {
		out = append(out, PageCount{Path: p, Count: counts[p]})
	}
	return out
}

// AggregateReferrers groups records that recorded a referrer by source host.
// Records without a referrer field are not counted at all.
func AggregateReferrers(records []BucketRecord) []ReferrerCount {
	counts := make(map[string]int64)
	var order []string
	for _, r := range records {
		ref, ok := r.Referrer()
		if !ok {
			continue
		}
		src := referrerHost(ref)
		if _, seen := counts[src]; !seen {
			order = append(order, src)
		}
		counts[src] += r.Count
	}

	out := make([]ReferrerCount, 0, len(order))
	for _, s := range order {
		out = append(out, ReferrerCount{Source: s, Count: counts[s]})
	}
	return out
}

// TopContent ranks pages by views and keeps the first n
func TopContent(pages []PageCount, n int) []ContentItem {
	ranked := rankPages(pages, n)
	out := make([]ContentItem, 0, len(ranked))
	for _, p := range ranked {
		out = append(out, ContentItem{
			Path:       p.Path,
			Views:      p.Count,
			Engagement: Engagement(p.Count),
		})
	}
	return out
}

// Engagement is a placeholder score: ten points per view, capped at 100
func Engagement(views int64) int64 {
	return min(100, views*10)
}

// EstimateUniqueSessions assumes 2.5 page views per session
func EstimateUniqueSessions(pageViews int64) int64 {
	if pageViews <= 0 {
		return 0
	}
	return pageViews * 2 / 5
}

// GenerateDailyFromHourly re-buckets hourly points into UTC calendar days
func GenerateDailyFromHourly(hourly []HourlyPoint) []DailyPoint {
	sums := make(map[string]int64)
	for _, h := range hourly {
		t, err := time.Parse(time.RFC3339Nano, h.Time)
		if err != nil {
			continue
		}
		sums[t.UTC().Format(DateLayout)] += h.Value
	}

	out := make([]DailyPoint, 0, len(sums))
	for d, v := range sums {
		out = append(out, DailyPoint{Date: d, Value: v})
	}
	// YYYY-MM-DD sorts chronologically as a string
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// HourlyTrend turns hourly roll-ups into trend points ordered by time,
// keeping the last limit points (all when limit <= 0). Roll-ups sharing a
// start time are summed.
func HourlyTrend(records []AggregatedData, limit int) []HourlyPoint {
	sums := make(map[int64]int64)
	for _, r := range records {
		sums[r.StartTime] += r.Metrics.TotalEvents
	}

	starts := make([]int64, 0, len(sums))
	for s := range sums {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	if limit > 0 && len(starts) > limit {
		starts = starts[len(starts)-limit:]
	}

	out := make([]HourlyPoint, 0, len(starts))
	for _, s := range starts {
		out = append(out, HourlyPoint{Time: FormatISO(time.UnixMilli(s)), Value: sums[s]})
	}
	return out
}

func rankPages(pages []PageCount, n int) []PageCount {
	ranked := make([]PageCount, len(pages))
	copy(ranked, pages)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Path < ranked[j].Path
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func rankReferrers(refs []ReferrerCount, n int) []ReferrerCount {
	ranked := make([]ReferrerCount, len(refs))
	copy(ranked, refs)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Source < ranked[j].Source
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// referrerHost reduces a referrer URL to its host; "" means direct
func referrerHost(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return strings.ToLower(ref)
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// HourlySeries returns n hourly points ending at the hour containing end.
// Hours without a roll-up are zero.
func HourlySeries(end time.Time, n int, records []AggregatedData) []HourlyPoint {
	sums := make(map[int64]int64, len(records))
	for _, r := range records {
		sums[r.StartTime] += r.Metrics.TotalEvents
	}

	last := BucketStart(Hourly, end)
	out := make([]HourlyPoint, 0, n)
	for i := n - 1; i >= 0; i-- {
		h := last.Add(-time.Duration(i) * time.Hour)
		out = append(out, HourlyPoint{Time: FormatISO(h), Value: sums[h.UnixMilli()]})
	}
	return out
}

// DailySeries returns n daily points ending on the UTC day containing end
func DailySeries(end time.Time, n int, records []AggregatedData) []DailyPoint {
	sums := make(map[string]int64, len(records))
	for _, r := range records {
		sums[r.Start().Format(DateLayout)] += r.Metrics.TotalEvents
	}

	last := BucketStart(Daily, end)
	out := make([]DailyPoint, 0, n)
	for i := n - 1; i >= 0; i-- {
		d := last.AddDate(0, 0, -i).Format(DateLayout)
		out = append(out, DailyPoint{Date: d, Value: sums[d]})
	}
	return out
}
