// Package schedule owns the bookkeeping that couples dashboard traffic to
// aggregation cadence: the dashboard records access, the aggregator asks
// whether it should run and marks each completed run.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

// Skip reasons reported by ShouldRun
const (
	ReasonThrottled      = "throttled"
	ReasonNoRecentAccess = "no_recent_access"
)

// Keys locates the bookkeeping values in the KV store
type Keys struct {
	LastAccess string
	LastRun    string
}

// Windows are the two throttle conditions
type Windows struct {
	// MinRunInterval is the minimum time between runs
	MinRunInterval time.Duration
	// AccessWindow is how recent a dashboard read must be for a run to happen
	AccessWindow time.Duration
}

// Decision is the outcome of ShouldRun. NextRun is set when throttled,
// LastAccess when the dashboard has been idle.
type Decision struct {
	Run        bool
	Reason     string
	NextRun    time.Time
	LastAccess time.Time
}

// State reads and writes the scheduler bookkeeping as epoch-millisecond
// integers so existing deployments keep their values.
type State struct {
	kv      storage.Store
	clock   clockwork.Clock
	keys    Keys
	windows Windows
}

// NewState creates the scheduler state over kv
func NewState(kv storage.Store, clock clockwork.Clock, keys Keys, windows Windows) *State {
	return &State{kv: kv, clock: clock, keys: keys, windows: windows}
}

// RecordAccess stamps the dashboard as read now
func (s *State) RecordAccess(ctx context.Context) error {
	if err := storage.SetInt64(ctx, s.kv, s.keys.LastAccess, s.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record dashboard access: %w", err)
	}
	return nil
}

// ShouldRun evaluates the minimum interval first, then the access window.
// A missing stamp never blocks a run.
func (s *State) ShouldRun(ctx context.Context) (Decision, error) {
	now := s.clock.Now()

	lastRun, ok, err := storage.GetInt64(ctx, s.kv, s.keys.LastRun)
	if err != nil {
		return Decision{}, fmt.Errorf("read last run: %w", err)
	}
	if ok && lastRun > 0 {
		last := time.UnixMilli(lastRun)
		if now.Sub(last) < s.windows.MinRunInterval {
			return Decision{Reason: ReasonThrottled, NextRun: last.Add(s.windows.MinRunInterval)}, nil
		}
	}

	lastAccess, ok, err := storage.GetInt64(ctx, s.kv, s.keys.LastAccess)
	if err != nil {
		return Decision{}, fmt.Errorf("read last access: %w", err)
	}
	if ok && lastAccess > 0 {
		last := time.UnixMilli(lastAccess)
		if now.Sub(last) > s.windows.AccessWindow {
			return Decision{Reason: ReasonNoRecentAccess, LastAccess: last}, nil
		}
	}

	return Decision{Run: true}, nil
}

// MarkRun stamps a completed aggregation run
func (s *State) MarkRun(ctx context.Context) error {
	if err := storage.SetInt64(ctx, s.kv, s.keys.LastRun, s.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("mark aggregation run: %w", err)
	}
	return nil
}

// LastAccess returns the last recorded dashboard read, zero if none
func (s *State) LastAccess(ctx context.Context) (time.Time, error) {
	return s.stamp(ctx, s.keys.LastAccess)
}

// LastRun returns the last completed run, zero if none
func (s *State) LastRun(ctx context.Context) (time.Time, error) {
	return s.stamp(ctx, s.keys.LastRun)
}

func (s *State) stamp(ctx context.Context, key string) (time.Time, error) {
	ms, ok, err := storage.GetInt64(ctx, s.kv, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
