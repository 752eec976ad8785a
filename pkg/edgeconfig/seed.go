package edgeconfig

import (
	"context"
	"fmt"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
)

// SeedKeys names the items Seed initialises
type SeedKeys struct {
	DashboardSummary  string
	AggregationStatus string
}

// Seed writes an empty DashboardSummary and a never-run AggregationStatus.
// Existing items are kept unless overwrite is set. The seeded summary has
// generated=0 so readers always treat it as stale.
func Seed(ctx context.Context, store Store, keys SeedKeys, overwrite bool) ([]string, error) {
	items := []struct {
		key   string
		value any
		probe any
	}{
		{
			key: keys.DashboardSummary,
			value: &analytics.DashboardSummary{
				Period:     analytics.DefaultPeriod,
				Trends:     analytics.Trends{Hourly: []analytics.HourlyPoint{}, Daily: []analytics.DailyPoint{}},
				TopContent: []analytics.ContentItem{},
				Sources:    []analytics.TrafficSource{},
			},
			probe: &analytics.DashboardSummary{},
		},
		{
			key:   keys.AggregationStatus,
			value: &analytics.AggregationStatus{},
			probe: &analytics.AggregationStatus{},
		},
	}

	var written []string
	for _, it := range items {
		if !overwrite {
			found, err := store.Get(ctx, it.key, it.probe)
			if err != nil {
				return written, fmt.Errorf("read %s: %w", it.key, err)
			}
			if found {
				continue
			}
		}
		if err := store.Set(ctx, it.key, it.value); err != nil {
			return written, fmt.Errorf("write %s: %w", it.key, err)
		}
		written = append(written, it.key)
	}
	return written, nil
}
