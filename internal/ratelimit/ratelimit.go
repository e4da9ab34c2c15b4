// Package ratelimit implements a per-client sliding-window request limiter
// for the ingest admission gate.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds the limiter knobs.
type Config struct {
	// Window is the sliding window width.
	Window time.Duration
	// Limit is the maximum requests per client per window.
	Limit int
}

// DefaultConfig returns the production defaults: 1000 requests per minute.
func DefaultConfig() Config {
	return Config{Window: time.Minute, Limit: 1000}
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Limit <= 0 {
		c.Limit = 1000
	}
	return c
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// Limiter tracks request timestamps per client over a sliding window.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clients map[string][]time.Time
	now     func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records the request when admitted and reports the decision either
// way. Rejected requests do not consume budget.
func (l *Limiter) Allow(clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	kept := pruneBefore(l.clients[clientID], cutoff)

	d := Decision{Limit: l.cfg.Limit}
	if len(kept) >= l.cfg.Limit {
		l.clients[clientID] = kept
		d.ResetAt = kept[0].Add(l.cfg.Window)
		return d
	}

	kept = append(kept, now)
	l.clients[clientID] = kept
	d.Allowed = true
	d.Remaining = l.cfg.Limit - len(kept)
	d.ResetAt = kept[0].Add(l.cfg.Window)
	return d
}

// Cleanup drops clients with no requests inside the window and returns how
// many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.Window)
	removed := 0
	for id, stamps := range l.clients {
		kept := pruneBefore(stamps, cutoff)
		if len(kept) == 0 {
			delete(l.clients, id)
			removed++
			continue
		}
		l.clients[id] = kept
	}
	return removed
}

// pruneBefore drops timestamps older than cutoff. Stamps are appended in
// order, so the first kept index covers the rest.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}
