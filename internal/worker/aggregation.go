// Package worker hosts the periodic background workers: the aggregation
// clusterer that materializes incidents from unassigned events, and the
// cron-driven maintenance jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/hub"
	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/scoring"
	"github.com/arc-self/incident-service/internal/spike"
	"github.com/arc-self/incident-service/internal/store"
)

// Broadcaster is the hub surface the workers publish through.
type Broadcaster interface {
	PublishIncident(inc model.Incident, action string)
}

// AggregatorConfig holds the aggregation worker knobs.
type AggregatorConfig struct {
	// Interval is the tick period.
	Interval time.Duration
	// Window bounds how far back unassigned events are picked up. The
	// incident-extension lookback is twice this.
	Window time.Duration
	// CleanupEvery runs spike-stats cleanup on every nth tick.
	CleanupEvery int
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 10
	}
	return c
}

// Aggregator clusters recent unassigned events into incidents. It is a
// singleton: a run in progress inhibits the next tick.
type Aggregator struct {
	st        store.Store
	detector  *spike.Detector
	scorer    *scoring.Scorer
	broadcast Broadcaster
	cfg       AggregatorConfig
	logger    *zap.Logger

	running atomic.Bool
	runs    int

	now   func() time.Time
	newID func() string
}

// NewAggregator creates the worker.
func NewAggregator(st store.Store, detector *spike.Detector, scorer *scoring.Scorer, broadcast Broadcaster, cfg AggregatorConfig, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		st:        st,
		detector:  detector,
		scorer:    scorer,
		broadcast: broadcast,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Run ticks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// clusterKey groups events sharing service and error-type affinity.
type clusterKey struct {
	service   string
	errorType string
}

func (a *Aggregator) tick(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		a.logger.Warn("aggregation run still in progress, skipping tick")
		return
	}
	defer a.running.Store(false)
	a.runs++

	ctx, span := otel.Tracer("incident-service/worker").Start(ctx, "aggregation.tick")
	defer span.End()

	now := a.now()
	events, err := a.st.Events().FindRecentUnassigned(ctx, now.Add(-a.cfg.Window))
	if err != nil {
		a.logger.Error("unassigned event query failed", zap.Error(err))
		return
	}

	if len(events) > 0 {
		a.aggregate(ctx, now, events)
	}

	if a.runs%a.cfg.CleanupEvery == 0 {
		if err := a.detector.Cleanup(ctx); err != nil {
			a.logger.Warn("spike stats cleanup failed", zap.Error(err))
		}
	}
}

func (a *Aggregator) aggregate(ctx context.Context, now time.Time, events []model.Event) {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Service]++
	}
	a.detector.RecordCounts(ctx, counts)
	spikes := a.detector.CheckSpikes(ctx, counts)

	spikeCtx := make(map[string]scoring.SpikeContext, len(spikes))
	for service, res := range spikes {
		if res.HasEnoughData {
			spikeCtx[service] = scoring.SpikeContext{
				CurrentCount: float64(res.CurrentCount),
				Mean:         res.Mean,
			}
		}
	}

	clusters := make(map[clusterKey][]model.Event)
	for _, e := range events {
		key := clusterKey{service: e.Service, errorType: model.ErrorType(e)}
		clusters[key] = append(clusters[key], e)
	}

	// Deterministic cluster order keeps runs reproducible and logs stable.
	keys := make([]clusterKey, 0, len(clusters))
	for key := range clusters {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].service != keys[j].service {
			return keys[i].service < keys[j].service
		}
		return keys[i].errorType < keys[j].errorType
	})

	for _, key := range keys {
		if err := a.processCluster(ctx, now, key, clusters[key], spikes, spikeCtx); err != nil {
			a.logger.Error("cluster processing failed",
				zap.String("service", key.service),
				zap.String("error_type", key.errorType),
				zap.Int("events", len(clusters[key])),
				zap.Error(err),
			)
		}
	}
}

func (a *Aggregator) processCluster(
	ctx context.Context,
	now time.Time,
	key clusterKey,
	events []model.Event,
	spikes map[string]spike.Result,
	spikeCtx map[string]scoring.SpikeContext,
) error {
	score := a.scorer.ScoreIncident(events, spikeCtx)
	spikeRes := spikes[key.service]

	eventIDs := make([]string, len(events))
	for i, e := range events {
		eventIDs[i] = e.ID
	}

	var inc model.Incident
	var action string

	existing, err := a.st.Incidents().FindExtensionCandidate(ctx, key.service, key.errorType, now.Add(-2*a.cfg.Window))
	switch {
	case err == nil:
		merged := mergeEventIDs(existing.EventIDs, eventIDs)
		services := mergeServices(existing.AffectedServices, key.service)
		summary := clusterSummary(key, len(merged), score, spikeRes, incidentDuration(existing.CreatedAt, now))

		inc, err = a.st.Incidents().Extend(ctx, existing.ID, merged, score.Level, services, summary)
		if err != nil {
			return fmt.Errorf("extend incident %s: %w", existing.ID, err)
		}
		action = hub.ActionUpdated

	case errors.Is(err, store.ErrNotFound):
		inc = model.Incident{
			ID:               a.newID(),
			EventIDs:         eventIDs,
			Status:           model.StatusActive,
			SeverityScore:    score.Level,
			AffectedServices: []string{key.service},
			ErrorType:        key.errorType,
			Summary:          clusterSummary(key, len(events), score, spikeRes, 0),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := a.st.Incidents().Insert(ctx, inc); err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		action = hub.ActionCreated

	default:
		return fmt.Errorf("extension candidate lookup: %w", err)
	}

	if err := a.st.Events().AssignIncident(ctx, eventIDs, inc.ID); err != nil {
		return fmt.Errorf("assign events to incident %s: %w", inc.ID, err)
	}

	a.broadcast.PublishIncident(inc, action)
	a.logger.Info("cluster materialized",
		zap.String("incident_id", inc.ID),
		zap.String("action", action),
		zap.String("service", key.service),
		zap.String("error_type", key.errorType),
		zap.Int("events", len(eventIDs)),
		zap.Int("severity", inc.SeverityScore),
	)
	return nil
}

// mergeEventIDs appends the new ids that are not already present, preserving
// order.
func mergeEventIDs(existing, fresh []string) []string {
	seen := make(map[string]struct{}, len(existing))
	merged := make([]string, 0, len(existing)+len(fresh))
	for _, id := range existing {
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range fresh {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

func mergeServices(existing []string, service string) []string {
	for _, s := range existing {
		if s == service {
			return existing
		}
	}
	return append(append([]string{}, existing...), service)
}

func incidentDuration(createdAt, now time.Time) int {
	return int(now.Sub(createdAt).Minutes())
}

// clusterSummary renders the deterministic incident summary.
func clusterSummary(key clusterKey, n int, score scoring.IncidentScore, spikeRes spike.Result, minutes int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s events from %s. Severity: %s", n, key.errorType, key.service, strings.ToUpper(score.Classification))
	if spikeRes.IsSpike {
		fmt.Fprintf(&sb, ". Spike detected: %.1fσ above normal", spikeRes.Deviations)
	}
	if minutes > 0 {
		fmt.Fprintf(&sb, ". Duration: %d minutes", minutes)
	}
	return sb.String()
}
