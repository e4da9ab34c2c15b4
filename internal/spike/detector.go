// Package spike detects per-service event-rate anomalies over persisted
// rolling windows. Counts survive restarts because every window is upserted
// into the stats store; the detector itself holds no state worth losing.
package spike

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/store"
)

const (
	ReasonInsufficientData = "insufficient_data"
	ReasonStoreUnavailable = "store_unavailable"
)

// Config holds the detector tuning knobs.
type Config struct {
	// WindowSize is the width of one counting bucket.
	WindowSize time.Duration
	// HistoryWindows is how many buckets back the baseline looks.
	HistoryWindows int
	// StdDevThreshold is the z-score above which a count is a spike.
	StdDevThreshold float64
	// MinDataPoints is the minimum history rows required to judge.
	MinDataPoints int
}

// DefaultConfig returns the production defaults: 5 minute windows, 12 windows
// of history, 2 standard deviations, 3 minimum data points.
func DefaultConfig() Config {
	return Config{
		WindowSize:      5 * time.Minute,
		HistoryWindows:  12,
		StdDevThreshold: 2.0,
		MinDataPoints:   3,
	}
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 5 * time.Minute
	}
	if c.HistoryWindows <= 0 {
		c.HistoryWindows = 12
	}
	if c.StdDevThreshold <= 0 {
		c.StdDevThreshold = 2.0
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = 3
	}
	return c
}

// Result is the outcome of one spike evaluation.
type Result struct {
	IsSpike       bool    `json:"isSpike"`
	HasEnoughData bool    `json:"hasEnoughData"`
	Reason        string  `json:"reason,omitempty"`
	CurrentCount  int     `json:"currentCount"`
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"stdDev"`
	Threshold     float64 `json:"threshold"`
	Deviations    float64 `json:"deviations"`
	Level         string  `json:"level"`
}

// Detector evaluates per-service counts against their rolling baseline. It
// never fails towards its callers: store errors degrade to
// insufficient-data results and a log line.
type Detector struct {
	stats  store.StatsStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewDetector creates a Detector over the given stats store.
func NewDetector(stats store.StatsStore, cfg Config, logger *zap.Logger) *Detector {
	return &Detector{stats: stats, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// WindowKey canonicalizes a timestamp into its bucket key:
// "w_" + floor(unixMillis / windowMillis) * windowMillis.
func WindowKey(t time.Time, windowSize time.Duration) string {
	ms := t.UnixMilli()
	w := windowSize.Milliseconds()
	return fmt.Sprintf("w_%d", (ms/w)*w)
}

// CurrentWindowKey returns the bucket key for the detector's current window.
func (d *Detector) CurrentWindowKey() string {
	return WindowKey(d.now(), d.cfg.WindowSize)
}

// RecordCounts upserts one counter row per service for the current window.
// Store failures are logged per service and do not abort the batch.
func (d *Detector) RecordCounts(ctx context.Context, counts map[string]int) {
	key := d.CurrentWindowKey()
	ts := d.now()
	for service, n := range counts {
		if n <= 0 {
			continue
		}
		if err := d.stats.Upsert(ctx, service, key, n, ts); err != nil {
			d.logger.Warn("stats upsert failed",
				zap.String("service", service),
				zap.String("window_key", key),
				zap.Error(err),
			)
		}
	}
}

// IsSpike evaluates whether currentCount is anomalous for service. The
// baseline is the retained history excluding the current window, so counts
// recorded moments ago do not dilute their own comparison.
func (d *Detector) IsSpike(ctx context.Context, service string, currentCount int) Result {
	res := Result{CurrentCount: currentCount, Level: "normal"}

	rows, err := d.stats.FindRecent(ctx, service, d.cfg.HistoryWindows+1)
	if err != nil {
		d.logger.Warn("stats read failed, treating as insufficient data",
			zap.String("service", service),
			zap.Error(err),
		)
		res.Reason = ReasonStoreUnavailable
		return res
	}

	currentKey := d.CurrentWindowKey()
	counts := make([]float64, 0, len(rows))
	for _, row := range rows {
		if row.WindowKey == currentKey {
			continue
		}
		if len(counts) == d.cfg.HistoryWindows {
			break
		}
		counts = append(counts, float64(row.Count))
	}

	if len(counts) < d.cfg.MinDataPoints {
		res.Reason = ReasonInsufficientData
		return res
	}
	res.HasEnoughData = true

	mean, stdDev := meanStdDev(counts)
	res.Mean = mean
	res.StdDev = stdDev
	res.Threshold = mean + stdDev*d.cfg.StdDevThreshold

	if stdDev > 0 {
		res.Deviations = (float64(currentCount) - mean) / stdDev
		res.IsSpike = float64(currentCount) > res.Threshold
	}
	res.Level = levelFor(res.Deviations)
	return res
}

// CheckSpikes evaluates every service in counts and returns the per-service
// results keyed by service name.
func (d *Detector) CheckSpikes(ctx context.Context, counts map[string]int) map[string]Result {
	results := make(map[string]Result, len(counts))
	for service, n := range counts {
		results[service] = d.IsSpike(ctx, service, n)
	}
	return results
}

// Cleanup deletes stats rows older than twice the retained history span.
func (d *Detector) Cleanup(ctx context.Context) error {
	cutoff := d.now().Add(-2 * d.cfg.WindowSize * time.Duration(d.cfg.HistoryWindows))
	deleted, err := d.stats.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stats cleanup: %w", err)
	}
	if deleted > 0 {
		d.logger.Info("expired stats rows removed", zap.Int64("deleted", deleted))
	}
	return nil
}

// meanStdDev computes the population mean and standard deviation.
func meanStdDev(xs []float64) (float64, float64) {
	n := float64(len(xs))
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / n

	sq := 0.0
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

func levelFor(deviations float64) string {
	switch {
	case deviations >= 4:
		return "critical"
	case deviations >= 3:
		return "high"
	case deviations >= 2:
		return "elevated"
	}
	return "normal"
}
