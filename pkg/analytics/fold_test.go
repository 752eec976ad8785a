package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(typ EventType, session string, count int64, data map[string]any) BucketRecord {
	ts := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	return BucketRecord{
		Key:       FiveMinuteKey(typ, session, ts),
		SessionID: session,
		Count:     count,
		Data:      data,
	}
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(record(EventPageView, "s1", 5, map[string]any{"path": "/products", "referrer": "https://www.google.com/search"}))
	acc.Add(record(EventPageView, "s2", 7, map[string]any{"path": "/", "referrer": ""}))
	acc.Add(record(EventConversion, "s2", 2, map[string]any{"duration": 120.0}))
	acc.Add(record(EventQuiz, "s1", 1, nil))

	start := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	agg := acc.Aggregate(Hourly, start)

	assert.Equal(t, "hourly", agg.Period)
	assert.Equal(t, time.Hour.Milliseconds(), agg.EndTime-agg.StartTime)
	assert.Equal(t, int64(15), agg.Metrics.TotalEvents)
	assert.Equal(t, int64(2), agg.Metrics.UniqueSessions)
	assert.Equal(t, int64(12), agg.Metrics.PageViews)
	assert.Equal(t, int64(2), agg.Metrics.Conversions)
	assert.Equal(t, int64(1), agg.Metrics.QuizCompletions)
	assert.Equal(t, 120.0, agg.Metrics.SessionDuration)

	require.Len(t, agg.Dimensions.TopPages, 2)
	assert.Equal(t, PageCount{Path: "/", Count: 7}, agg.Dimensions.TopPages[0])

	require.Len(t, agg.Dimensions.TopReferrers, 2)
	assert.Equal(t, ReferrerCount{Source: "", Count: 7}, agg.Dimensions.TopReferrers[0])
	assert.Equal(t, ReferrerCount{Source: "google.com", Count: 5}, agg.Dimensions.TopReferrers[1])
}

func TestAccumulator_TypeFromKey(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(BucketRecord{Key: "interaction:s1:2024-03-01-10-00", Type: EventPageView, Count: 3})

	agg := acc.Aggregate(FiveMinute, time.Now())
	assert.Equal(t, int64(3), agg.Metrics.EventsByType["interaction"])
	assert.Zero(t, agg.Metrics.PageViews)
}

func TestFoldAggregates(t *testing.T) {
	h1 := AggregatedData{
		StartTime: 1000,
		Metrics:   Metrics{TotalEvents: 10, UniqueSessions: 2, PageViews: 8, Conversions: 1, EventsByType: map[string]int64{"page_view": 8}},
		Dimensions: Dimensions{
			TopPages:    []PageCount{{"/a", 5}, {"/b", 3}},
			DeviceTypes: map[string]int64{"mobile": 2},
		},
	}
	h2 := AggregatedData{
		StartTime: 2000,
		Metrics:   Metrics{TotalEvents: 4, UniqueSessions: 1, PageViews: 4, EventsByType: map[string]int64{"page_view": 4}},
		Dimensions: Dimensions{
			TopPages:    []PageCount{{"/b", 4}},
			DeviceTypes: map[string]int64{"mobile": 1, "desktop": 3},
		},
	}

	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	out := FoldAggregates("daily", start, start.Add(24*time.Hour), []AggregatedData{h1, h2})

	assert.Equal(t, int64(14), out.Metrics.TotalEvents)
	assert.Equal(t, int64(3), out.Metrics.UniqueSessions)
	assert.Equal(t, int64(12), out.Metrics.PageViews)
	assert.Equal(t, int64(12), out.Metrics.EventsByType["page_view"])
	assert.Equal(t, []PageCount{{"/b", 7}, {"/a", 5}}, out.Dimensions.TopPages)
	assert.Equal(t, map[string]int64{"mobile": 3, "desktop": 3}, out.Dimensions.DeviceTypes)
}

func TestAggregateTopPages(t *testing.T) {
	pages := AggregateTopPages([]BucketRecord{
		{Count: 2, Data: map[string]any{"path": "/x"}},
		{Count: 1},
		{Count: 3, Data: map[string]any{"path": "/x"}},
	})

	assert.Equal(t, []PageCount{{"/x", 5}, {"/", 1}}, pages)
}

func TestTopContent(t *testing.T) {
	pages := []PageCount{{"/a", 1}, {"/b", 20}, {"/c", 5}}

	got := TopContent(pages, 2)
	assert.Equal(t, []ContentItem{
		{Path: "/b", Views: 20, Engagement: 100},
		{Path: "/c", Views: 5, Engagement: 50},
	}, got)
}

func TestEstimateUniqueSessions(t *testing.T) {
	assert.Equal(t, int64(0), EstimateUniqueSessions(0))
	assert.Equal(t, int64(0), EstimateUniqueSessions(2))
	assert.Equal(t, int64(4), EstimateUniqueSessions(10))
	assert.Equal(t, int64(4), EstimateUniqueSessions(12))
}

func TestGenerateDailyFromHourly(t *testing.T) {
	hourly := []HourlyPoint{
		{Time: "2024-03-02T01:00:00.000Z", Value: 4},
		{Time: "2024-03-01T22:00:00.000Z", Value: 1},
		{Time: "2024-03-01T23:00:00.000Z", Value: 2},
		{Time: "garbage", Value: 100},
	}

	assert.Equal(t, []DailyPoint{
		{Date: "2024-03-01", Value: 3},
		{Date: "2024-03-02", Value: 4},
	}, GenerateDailyFromHourly(hourly))
}

func TestHourlyTrend(t *testing.T) {
	base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	var hours []AggregatedData
	for i := 0; i < 30; i++ {
		hours = append(hours, AggregatedData{
			StartTime: base.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Metrics:   Metrics{TotalEvents: int64(i)},
		})
	}

	trend := HourlyTrend(hours, 24)
	require.Len(t, trend, 24)
	assert.Equal(t, "2024-03-01T06:00:00.000Z", trend[0].Time)
	assert.Equal(t, int64(29), trend[23].Value)
}

func TestHourlyAndDailySeries(t *testing.T) {
	now := time.Date(2024, time.March, 2, 10, 40, 0, 0, time.UTC)
	hour := time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC)

	hourly := HourlySeries(now, 24, []AggregatedData{
		{StartTime: hour.UnixMilli(), Metrics: Metrics{TotalEvents: 14}},
	})
	require.Len(t, hourly, 24)
	assert.Equal(t, "2024-03-02T10:00:00.000Z", hourly[23].Time)
	assert.Equal(t, int64(14), hourly[22].Value)
	assert.Zero(t, hourly[23].Value)

	daily := DailySeries(now, 30, []AggregatedData{
		{StartTime: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), Metrics: Metrics{TotalEvents: 50}},
	})
	require.Len(t, daily, 30)
	assert.Equal(t, "2024-03-02", daily[29].Date)
	assert.Equal(t, DailyPoint{Date: "2024-03-01", Value: 50}, daily[28])
}
