package analytics

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the width of a time bucket
type Resolution int

const (
	FiveMinute Resolution = iota
	Hourly
	Daily
)

// String returns the period label stored in AggregatedData
func (r Resolution) String() string {
	switch r {
	case FiveMinute:
		return "5min"
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	}
	return "unknown"
}

// Width is the nominal bucket duration
func (r Resolution) Width() time.Duration {
	switch r {
	case FiveMinute:
		return 5 * time.Minute
	case Hourly:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Suffix layouts: UTC calendar fields, month 1-indexed.
func (r Resolution) layout() string {
	switch r {
	case FiveMinute:
		return "2006-01-02-15-04"
	case Hourly:
		return "2006-01-02-15"
	default:
		return "2006-01-02"
	}
}

func (r Resolution) segments() int {
	return strings.Count(r.layout(), "-") + 1
}

// BucketStart truncates t to the start of its UTC bucket
func BucketStart(res Resolution, t time.Time) time.Time {
	t = t.UTC()
	switch res {
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(res.Width())
	}
}

// EncodeBucket returns the key suffix for the bucket containing t.
// It is the only producer of bucket suffixes; DecodeBucket is its inverse.
func EncodeBucket(res Resolution, t time.Time) string {
	return BucketStart(res, t).Format(res.layout())
}

// DecodeBucket recovers the bucket start from a key ending in a suffix
// produced by EncodeBucket. Everything up to the last ':' is ignored so
// session IDs containing '-' do not shift the segments.
func DecodeBucket(res Resolution, key string) (time.Time, error) {
	tail := key
	if i := strings.LastIndexByte(tail, ':'); i >= 0 {
		tail = tail[i+1:]
	}

	parts := strings.Split(tail, "-")
	n := res.segments()
	if len(parts) < n {
		return time.Time{}, fmt.Errorf("bucket key %q: want %d date segments, got %d", key, n, len(parts))
	}

	suffix := strings.Join(parts[len(parts)-n:], "-")
	t, err := time.ParseInLocation(res.layout(), suffix, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bucket key %q: %w", key, err)
	}
	return t, nil
}

// FiveMinuteKey builds the record key (without store prefix) for a bucket
func FiveMinuteKey(eventType EventType, sessionID string, t time.Time) string {
	return string(eventType) + ":" + sessionID + ":" + EncodeBucket(FiveMinute, t)
}
