package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
)

func TestCompressRoundTrip(t *testing.T) {
	for _, in := range [][]byte{
		[]byte(""),
		[]byte("ok"),
		[]byte(strings.Repeat(`{"path":"/products/smartboard","count":12}`, 200)),
	} {
		c, err := Compress(in)
		require.NoError(t, err)

		out, err := Decompress(c)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(in, out))
	}
}

func TestCompressShrinksRepetitiveJSON(t *testing.T) {
	in := []byte(strings.Repeat(`{"time":"2024-03-01T10:00:00.000Z","value":0},`, 100))
	c, err := Compress(in)
	require.NoError(t, err)
	assert.Less(t, len(c), len(in)/4)
}

func TestDashboardSummaryRoundTrip(t *testing.T) {
	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	summary := analytics.FallbackSummary(now)
	summary.Overview = analytics.Overview{TotalVisitors: 2, PageViews: 12, Conversions: 2, AvgSessionDuration: 93.5}
	summary.TopContent = []analytics.ContentItem{{Path: "/", Views: 12, Engagement: 100}}
	summary.Sources = analytics.EstimateTrafficSources(12)

	blob, err := CompressJSON(summary)
	require.NoError(t, err)

	var got analytics.DashboardSummary
	require.NoError(t, DecompressJSON(blob, &got))
	assert.Equal(t, *summary, got)
}

func TestDecompress_Corrupt(t *testing.T) {
	_, err := Decompress([]byte("definitely not lz4"))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decompress(nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	blob, err := Compress([]byte("not json"))
	require.NoError(t, err)
	var v map[string]any
	assert.ErrorIs(t, DecompressJSON(blob, &v), ErrCorrupt)
}
