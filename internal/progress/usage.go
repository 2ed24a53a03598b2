// Package progress turns the execution engine's message stream into the
// small, stable vocabulary of progress events that observers render.
//
// The Inferencer owns the phase state machine and the subtask registry;
// the Accumulator keeps the live token counters and the usage emit gate.
// Both are driven by the single goroutine that consumes one job's engine
// stream and are not safe for concurrent use.
package progress

import (
	"time"

	"github.com/tutu-network/docreview/internal/domain"
)

// DefaultUsageInterval is the minimum gap between two usage snapshots.
const DefaultUsageInterval = 5 * time.Second

// EmptyUsage returns all-zero counters.
func EmptyUsage() domain.TokenUsage {
	return domain.TokenUsage{}
}

// AddUsage adds the incoming counters to dst. Missing fields decode as
// zero and negative values are ignored, so counters never decrease.
func AddUsage(dst *domain.TokenUsage, in domain.TokenUsage) {
	dst.Add(in)
}

// Accumulator keeps the session total and one counter set per
// correlation id. The controller's own turns are kept under the empty id.
type Accumulator struct {
	session  domain.TokenUsage
	scopes   map[string]*domain.TokenUsage
	interval time.Duration
	lastEmit time.Time
	now      func() time.Time
}

// NewAccumulator creates an accumulator whose emit gate opens at most once
// per interval, counted from the start of the session.
func NewAccumulator(interval time.Duration, now func() time.Time) *Accumulator {
	if interval <= 0 {
		interval = DefaultUsageInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		scopes:   make(map[string]*domain.TokenUsage),
		interval: interval,
		lastEmit: now(),
		now:      now,
	}
}

// Record adds u to the session total and to the given scope.
func (a *Accumulator) Record(scope string, u domain.TokenUsage) {
	AddUsage(&a.session, u)
	s, ok := a.scopes[scope]
	if !ok {
		s = &domain.TokenUsage{}
		a.scopes[scope] = s
	}
	AddUsage(s, u)
}

// Session returns the session-wide counters.
func (a *Accumulator) Session() domain.TokenUsage {
	return a.session
}

// Scope returns the counters of one correlation id.
func (a *Accumulator) Scope(id string) domain.TokenUsage {
	if s, ok := a.scopes[id]; ok {
		return *s
	}
	return EmptyUsage()
}

// Allow reports whether a usage snapshot may be emitted now, and if so
// closes the gate for another interval. force always passes.
func (a *Accumulator) Allow(force bool) bool {
	now := a.now()
	if !force && now.Sub(a.lastEmit) < a.interval {
		return false
	}
	a.lastEmit = now
	return true
}
