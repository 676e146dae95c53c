// Package ratelimit provides fixed-window request admission for quota
// consumption, keyed by workspace at minute, hour, and day granularity.
//
// Admission requires all three windows to be open. Unused capacity never
// carries over between windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/syncutil"
)

// Granularity names one of the three fixed windows.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the most restrictive throttled window
	// rolls over. Zero when Allowed.
	RetryAfter time.Duration
	// Granularity is the window that set RetryAfter. Empty when Allowed.
	Granularity Granularity
}

type window struct {
	start time.Time
	count int
}

// roll resets the window if now has crossed its boundary. The boundary is
// the wall-clock truncation of now, so counts reset exactly on the minute,
// hour, and day marks.
func (w *window) roll(now time.Time, d time.Duration) {
	boundary := now.Truncate(d)
	if w.start.Before(boundary) {
		w.start = boundary
		w.count = 0
	}
}

func (w *window) remaining(now time.Time, d time.Duration) time.Duration {
	return w.start.Add(d).Sub(now)
}

type workspaceState struct {
	minute   window
	hour     window
	day      window
	lastSeen time.Time
}

// Config configures the limiter.
type Config struct {
	// CleanupInterval is how often idle workspace state is swept.
	CleanupInterval time.Duration
	// IdleTTL is how long a workspace may be idle before its counters
	// are dropped. Must exceed the day window or day counts would reset
	// early for quiet tenants.
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 10 * time.Minute,
		IdleTTL:         2 * plan.WindowDay,
	}
}

// Limiter tracks fixed-window counters per workspace. Counters for one
// workspace are guarded by a per-key lock so admission checks for
// different tenants never serialize against each other.
type Limiter struct {
	cfg        Config
	locks      syncutil.KeyMutex
	workspaces sync.Map // workspaceID -> *workspaceState
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// Allow checks admission for one request under the given ceilings and,
// if all windows are open, counts it against all three.
func (l *Limiter) Allow(workspaceID string, limits plan.RateLimits) Decision {
	// One timestamp for the whole evaluation so the three windows never
	// see inconsistent boundary reads.
	return l.allowAt(workspaceID, limits, nowFunc())
}

func (l *Limiter) allowAt(workspaceID string, limits plan.RateLimits, now time.Time) Decision {
	// The key lock covers the lookup too: if the cleanup sweep drops this
	// workspace it does so either before the LoadOrStore (which then
	// recreates fresh state) or after lastSeen is refreshed below.
	unlock := l.locks.Lock(workspaceID)
	defer unlock()

	v, _ := l.workspaces.LoadOrStore(workspaceID, &workspaceState{})
	st := v.(*workspaceState)
	st.lastSeen = now

	st.minute.roll(now, plan.WindowMinute)
	st.hour.roll(now, plan.WindowHour)
	st.day.roll(now, plan.WindowDay)

	checks := []struct {
		g     Granularity
		w     *window
		d     time.Duration
		limit int
	}{
		{GranularityMinute, &st.minute, plan.WindowMinute, limits.PerMinute},
		{GranularityHour, &st.hour, plan.WindowHour, limits.PerHour},
		{GranularityDay, &st.day, plan.WindowDay, limits.PerDay},
	}

	decision := Decision{Allowed: true}
	for _, c := range checks {
		if c.limit <= 0 {
			continue // unlimited
		}
		if c.w.count < c.limit {
			continue
		}
		// Throttled. The most restrictive window is the one the caller
		// must wait out the longest.
		rem := c.w.remaining(now, c.d)
		if decision.Allowed || rem > decision.RetryAfter {
			decision = Decision{Allowed: false, RetryAfter: rem, Granularity: c.g}
		}
	}
	if !decision.Allowed {
		return decision
	}

	st.minute.count++
	st.hour.count++
	st.day.count++
	return decision
}

// cleanup sweeps idle workspace state periodically.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleTTL)
			l.workspaces.Range(func(key, value any) bool {
				unlock := l.locks.Lock(key.(string))
				if value.(*workspaceState).lastSeen.Before(cutoff) {
					l.workspaces.Delete(key)
				}
				unlock()
				return true
			})
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// size returns the number of tracked workspaces. Test hook.
func (l *Limiter) size() int {
	n := 0
	l.workspaces.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
