package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
)

// Payload validation limits
const (
	MaxAggregatesPerRequest = 500
	MaxRawEventsPerRequest  = 500
	MaxSessionIDLength      = 128
	MaxDataFields           = 50
	MaxBodyBytes            = 1 << 20 // 1MB, after decompression
)

var (
	// ErrTooManyAggregates is returned when a payload carries too many aggregates
	ErrTooManyAggregates = fmt.Errorf("too many aggregates in request (max %d)", MaxAggregatesPerRequest)

	// ErrTooManyRawEvents is returned when a payload carries too many raw events
	ErrTooManyRawEvents = fmt.Errorf("too many raw events in request (max %d)", MaxRawEventsPerRequest)

	ErrSessionIDMissing = errors.New("sessionId is required")
	ErrSessionIDTooLong = fmt.Errorf("sessionId too long (max %d chars)", MaxSessionIDLength)

	// ErrInvalidKey is returned for aggregate keys not shaped "<type>:<windowMs>"
	ErrInvalidKey = errors.New("invalid aggregate key")

	// ErrWindowOutOfRange marks an aggregate whose window is too old to be
	// rolled up or lies in the future; such aggregates are dropped
	ErrWindowOutOfRange = errors.New("aggregate window out of range")

	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidCount     = errors.New("aggregate count must be positive")
	ErrTooManyFields    = fmt.Errorf("too many data fields (max %d)", MaxDataFields)
)

// ValidatePayload checks request-level limits, then every aggregate
func ValidatePayload(p *Payload) error {
	if p.SessionID == "" {
		return ErrSessionIDMissing
	}
	if len(p.SessionID) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	if len(p.Aggregates) > MaxAggregatesPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyAggregates, len(p.Aggregates))
	}
	if len(p.RawEvents) > MaxRawEventsPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyRawEvents, len(p.RawEvents))
	}

	for i, a := range p.Aggregates {
		if err := ValidateAggregate(a); err != nil {
			return fmt.Errorf("aggregate %d: %w", i, err)
		}
	}
	return nil
}

// ValidateAggregate checks one client pre-aggregate
func ValidateAggregate(a Aggregate) error {
	typ, _, err := parseKey(a.Key)
	if err != nil {
		return err
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	if a.Count <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, a.Count)
	}
	if len(a.Data) > MaxDataFields {
		return fmt.Errorf("%w: got %d", ErrTooManyFields, len(a.Data))
	}
	return nil
}

// parseKey splits "<type>:<windowMs>". A missing window yields 0 and the
// caller uses the payload timestamp instead.
func parseKey(key string) (analytics.EventType, int64, error) {
	typ, window, _ := strings.Cut(key, ":")
	if typ == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if window == "" {
		return analytics.EventType(typ), 0, nil
	}

	ms, err := strconv.ParseInt(window, 10, 64)
	if err != nil || ms < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return analytics.EventType(typ), ms, nil
}
