package ai

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/breaker"
	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/redact"
	"github.com/arc-self/incident-service/internal/store"
)

// Broadcaster is the hub surface the summarizer publishes through.
type Broadcaster interface {
	PublishIncident(inc model.Incident, action string)
}

// SummarizerConfig holds the worker knobs.
type SummarizerConfig struct {
	// Interval is the tick period.
	Interval time.Duration
	// BatchSize is the number of incidents per prompt.
	BatchSize int
	// Lookback bounds how far back summary-needing incidents are picked up.
	Lookback time.Duration
	// EventsPerIncident caps how many events feed each incident's prompt.
	EventsPerIncident int
	// PressureThreshold skips AI calls when queue utilization is at or
	// above it.
	PressureThreshold float64
}

func (c SummarizerConfig) withDefaults() SummarizerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.EventsPerIncident <= 0 {
		c.EventsPerIncident = 50
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = 0.8
	}
	return c
}

// Summarizer is the batched summarization worker. One tick selects incidents
// lacking an AI summary, redacts their events, and writes back either the
// model's summary or the deterministic fallback.
type Summarizer struct {
	st            store.Store
	client        *Client
	broadcast     Broadcaster
	underPressure func() bool
	cfg           SummarizerConfig
	logger        *zap.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewSummarizer creates the worker. underPressure may be nil when no queue
// telemetry is wired.
func NewSummarizer(st store.Store, client *Client, broadcast Broadcaster, underPressure func() bool, cfg SummarizerConfig, logger *zap.Logger) *Summarizer {
	if underPressure == nil {
		underPressure = func() bool { return false }
	}
	return &Summarizer{
		st:            st,
		client:        client,
		broadcast:     broadcast,
		underPressure: underPressure,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		now:           time.Now,
	}
}

// Run ticks until ctx is cancelled. Runs never overlap.
func (s *Summarizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Summarizer) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("summarization run still in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	if !s.client.Available() {
		s.logger.Debug("AI client unavailable, skipping summarization tick")
		return
	}
	if s.underPressure() {
		s.logger.Info("ingest under pressure, skipping summarization tick")
		return
	}

	since := s.now().Add(-s.cfg.Lookback)
	incidents, err := s.st.Incidents().FindSummaryNeeded(ctx, since, 3*s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("summary candidate query failed", zap.Error(err))
		return
	}
	if len(incidents) == 0 {
		return
	}

	for start := 0; start < len(incidents); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(incidents) {
			end = len(incidents)
		}
		s.processBatch(ctx, incidents[start:end])

		if !s.client.Available() {
			s.logger.Warn("breaker opened mid-run, stopping after current batch")
			return
		}
	}
}

// processBatch prompts for one batch and applies results. Any batch-level
// failure degrades every incident in the batch to the fallback summary.
func (s *Summarizer) processBatch(ctx context.Context, batch []model.Incident) {
	events := make(map[string][]model.Event, len(batch))
	for _, inc := range batch {
		events[inc.ID] = s.fetchRedacted(ctx, inc)
	}

	user := BuildBatchPrompt(batch, events)
	text, _, err := s.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		s.logger.Warn("batch completion failed, applying fallbacks",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		s.applyFallbacks(ctx, batch, events)
		return
	}

	summaries, err := ParseBatchResponse(text)
	if err != nil {
		s.logger.Warn("batch response unparseable, applying fallbacks", zap.Error(err))
		s.applyFallbacks(ctx, batch, events)
		return
	}

	byID := make(map[string]IncidentSummary, len(summaries))
	for _, sum := range summaries {
		byID[sum.IncidentID] = sum
	}
	for _, inc := range batch {
		sum, ok := byID[inc.ID]
		if !ok {
			// The model skipped this incident; it still gets a summary.
			sum = FallbackSummary(inc, events[inc.ID])
		}
		s.apply(ctx, inc, sum)
	}
}

// fetchRedacted loads an incident's most recent events and redacts their
// metadata. Redaction counts are logged for auditing.
func (s *Summarizer) fetchRedacted(ctx context.Context, inc model.Incident) []model.Event {
	events, err := s.st.Events().FindByIDs(ctx, inc.EventIDs, s.cfg.EventsPerIncident)
	if err != nil {
		s.logger.Warn("event fetch for summary failed",
			zap.String("incident_id", inc.ID),
			zap.Error(err),
		)
		return nil
	}

	redacted, stats := redact.RedactEvents(events)
	if stats.FieldsRedacted > 0 {
		s.logger.Info("redacted event metadata for prompt",
			zap.String("incident_id", inc.ID),
			zap.Int("fields", stats.FieldsRedacted),
			zap.Any("patterns", stats.Patterns),
		)
	}
	return redacted
}

func (s *Summarizer) applyFallbacks(ctx context.Context, batch []model.Incident, events map[string][]model.Event) {
	for _, inc := range batch {
		s.apply(ctx, inc, FallbackSummary(inc, events[inc.ID]))
	}
}

func (s *Summarizer) apply(ctx context.Context, inc model.Incident, sum IncidentSummary) {
	updated, err := s.st.Incidents().SetAISummary(ctx, inc.ID, store.AISummary{
		Summary:          sum.Summary,
		RootCause:        sum.RootCause,
		Impact:           sum.Impact,
		SuggestedActions: sum.SuggestedActions,
	})
	if err != nil {
		s.logger.Error("summary write failed",
			zap.String("incident_id", inc.ID),
			zap.Error(err),
		)
		return
	}
	s.broadcast.PublishIncident(updated, "summary_updated")
}

// SummarizeOne runs an on-demand single-incident summarization, bypassing
// the schedule but still honoring the breaker.
func (s *Summarizer) SummarizeOne(ctx context.Context, incidentID string) (model.Incident, error) {
	inc, err := s.st.Incidents().FindByID(ctx, incidentID)
	if err != nil {
		return model.Incident{}, err
	}
	if !s.client.Available() {
		return model.Incident{}, breaker.ErrOpen
	}

	redacted := s.fetchRedacted(ctx, inc)
	user := BuildSinglePrompt(inc, redacted)

	text, _, err := s.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return model.Incident{}, err
		}
		return model.Incident{}, fmt.Errorf("summarize incident %s: %w", incidentID, err)
	}

	sum, err := ParseSingleResponse(text, inc.ID)
	if err != nil {
		s.logger.Warn("single response unparseable, applying fallback", zap.Error(err))
		sum = FallbackSummary(inc, redacted)
	}

	updated, err := s.st.Incidents().SetAISummary(ctx, inc.ID, store.AISummary{
		Summary:          sum.Summary,
		RootCause:        sum.RootCause,
		Impact:           sum.Impact,
		SuggestedActions: sum.SuggestedActions,
	})
	if err != nil {
		return model.Incident{}, err
	}
	s.broadcast.PublishIncident(updated, "summary_updated")
	return updated, nil
}
