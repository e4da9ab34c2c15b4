package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arc-self/incident-service/internal/model"
)

// Memory is an in-memory Store used by tests and by dev mode when no
// database is configured. It honors the same contract as the Postgres
// implementation, including field-scoped incident updates.
type Memory struct {
	mu        sync.RWMutex
	events    map[string]model.Event
	incidents map[string]model.Incident
	stats     map[string]model.ServiceStats // keyed service + "|" + windowKey

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string]model.Event),
		incidents: make(map[string]model.Incident),
		stats:     make(map[string]model.ServiceStats),
		now:       time.Now,
	}
}

func (m *Memory) Events() EventStore       { return (*memoryEvents)(m) }
func (m *Memory) Incidents() IncidentStore { return (*memoryIncidents)(m) }
func (m *Memory) Stats() StatsStore        { return (*memoryStats)(m) }

// ── events ────────────────────────────────────────────────────────────────

type memoryEvents Memory

func (m *memoryEvents) InsertMany(_ context.Context, events []model.Event) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res InsertResult
	for _, e := range events {
		if _, exists := m.events[e.ID]; exists {
			res.Duplicates++
			continue
		}
		m.events[e.ID] = e
		res.Inserted++
	}
	return res, nil
}

func (m *memoryEvents) FindRecentUnassigned(_ context.Context, since time.Time) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Event
	for _, e := range m.events {
		if e.IncidentID == "" && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sortEventsDesc(out)
	return out, nil
}

func (m *memoryEvents) FindByIDs(_ context.Context, ids []string, limit int) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Event
	for _, id := range ids {
		if e, ok := m.events[id]; ok {
			out = append(out, e)
		}
	}
	sortEventsDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryEvents) FindByID(_ context.Context, id string) (model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return model.Event{}, ErrNotFound
	}
	return e, nil
}

func (m *memoryEvents) AssignIncident(_ context.Context, eventIDs []string, incidentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range eventIDs {
		e, ok := m.events[id]
		if !ok || e.IncidentID != "" {
			continue
		}
		e.IncidentID = incidentID
		m.events[id] = e
	}
	return nil
}

func (m *memoryEvents) List(_ context.Context, f EventFilter) ([]model.Event, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Event
	for _, e := range m.events {
		if !matchEvent(e, f) {
			continue
		}
		out = append(out, e)
	}
	if f.Sort == "asc" {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	} else {
		sortEventsDesc(out)
	}
	total := int64(len(out))
	return paginate(out, f.Page, f.Limit), total, nil
}

func (m *memoryEvents) Stats(_ context.Context, start, end time.Time) (EventStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := EventStats{BySeverity: make(map[int]int64), ByService: make(map[string]int64)}
	for _, e := range m.events {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		stats.Total++
		stats.BySeverity[e.Severity]++
		stats.ByService[e.Service]++
	}
	return stats, nil
}

func matchEvent(e model.Event, f EventFilter) bool {
	if f.Service != "" && e.Service != f.Service {
		return false
	}
	if f.Severity != 0 && e.Severity != f.Severity {
		return false
	}
	if f.MinSeverity != 0 && e.Severity < f.MinSeverity {
		return false
	}
	if f.MaxSeverity != 0 && e.Severity > f.MaxSeverity {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, have := range e.Tags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ── incidents ─────────────────────────────────────────────────────────────

type memoryIncidents Memory

func (m *memoryIncidents) Insert(_ context.Context, inc model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc
	return nil
}

func (m *memoryIncidents) FindByID(_ context.Context, id string) (model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	return inc, nil
}

func (m *memoryIncidents) FindExtensionCandidate(_ context.Context, service, errorType string, since time.Time) (model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.Incident
	for _, inc := range m.incidents {
		if !inc.Open() || !inc.HasService(service) || inc.ErrorType != errorType || inc.CreatedAt.Before(since) {
			continue
		}
		candidate := inc
		if best == nil || candidate.CreatedAt.After(best.CreatedAt) {
			best = &candidate
		}
	}
	if best == nil {
		return model.Incident{}, ErrNotFound
	}
	return *best, nil
}

func (m *memoryIncidents) FindSummaryNeeded(_ context.Context, since time.Time, limit int) ([]model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Incident
	for _, inc := range m.incidents {
		if inc.Open() && inc.AISummary == "" && !inc.CreatedAt.Before(since) {
			out = append(out, inc)
		}
	}
	sortIncidentsBySeverity(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryIncidents) List(_ context.Context, f IncidentFilter) ([]model.Incident, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Incident
	for _, inc := range m.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.MinSeverity != 0 && inc.SeverityScore < f.MinSeverity {
			continue
		}
		if f.Service != "" && !inc.HasService(f.Service) {
			continue
		}
		if !f.Start.IsZero() && inc.CreatedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && inc.CreatedAt.After(f.End) {
			continue
		}
		out = append(out, inc)
	}
	if f.Sort == "asc" {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}
	total := int64(len(out))
	return paginateIncidents(out, f.Page, f.Limit), total, nil
}

func (m *memoryIncidents) ListActive(_ context.Context) ([]model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Incident
	for _, inc := range m.incidents {
		if inc.Open() {
			out = append(out, inc)
		}
	}
	sortIncidentsBySeverity(out)
	return out, nil
}

func (m *memoryIncidents) Extend(_ context.Context, id string, eventIDs []string, severityScore int, services []string, summary string) (model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	inc.EventIDs = eventIDs
	if severityScore > inc.SeverityScore {
		inc.SeverityScore = severityScore
	}
	inc.AffectedServices = services
	inc.Summary = summary
	inc.UpdatedAt = m.now()
	m.incidents[id] = inc
	return inc, nil
}

func (m *memoryIncidents) SetAISummary(_ context.Context, id string, s AISummary) (model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	inc.AISummary = s.Summary
	inc.Impact = s.Impact
	if s.RootCause != "" {
		inc.RootCause = s.RootCause
	}
	inc.SuggestedActions = s.SuggestedActions
	inc.UpdatedAt = m.now()
	m.incidents[id] = inc
	return inc, nil
}

func (m *memoryIncidents) Update(_ context.Context, id string, patch IncidentPatch) (model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	now := m.now()
	if patch.Status != nil {
		inc.Status = *patch.Status
		if inc.Status == model.StatusResolved && inc.ResolvedAt == nil {
			t := now
			inc.ResolvedAt = &t
		}
	}
	if patch.AssignedTo != nil {
		inc.AssignedTo = *patch.AssignedTo
		if inc.AssignedTo != "" && inc.AcknowledgedAt == nil {
			t := now
			inc.AcknowledgedAt = &t
		}
	}
	if patch.Resolution != nil {
		inc.Resolution = *patch.Resolution
	}
	if patch.RootCause != nil {
		inc.RootCause = *patch.RootCause
	}
	inc.UpdatedAt = now
	m.incidents[id] = inc
	return inc, nil
}

// ── stats ─────────────────────────────────────────────────────────────────

type memoryStats Memory

func statsKey(service, windowKey string) string {
	return service + "|" + windowKey
}

func (m *memoryStats) Upsert(_ context.Context, service, windowKey string, delta int, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := statsKey(service, windowKey)
	row, ok := m.stats[key]
	if !ok {
		row = model.ServiceStats{Service: service, WindowKey: windowKey}
	}
	row.Count += int64(delta)
	row.Timestamp = ts
	m.stats[key] = row
	return nil
}

func (m *memoryStats) FindRecent(_ context.Context, service string, limit int) ([]model.ServiceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ServiceStats
	for key, row := range m.stats {
		if strings.HasPrefix(key, service+"|") {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowKey > out[j].WindowKey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStats) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, row := range m.stats {
		if row.Timestamp.Before(cutoff) {
			delete(m.stats, key)
			deleted++
		}
	}
	return deleted, nil
}

// ── helpers ───────────────────────────────────────────────────────────────

func sortEventsDesc(events []model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

func sortIncidentsBySeverity(incidents []model.Incident) {
	sort.Slice(incidents, func(i, j int) bool {
		if incidents[i].SeverityScore != incidents[j].SeverityScore {
			return incidents[i].SeverityScore > incidents[j].SeverityScore
		}
		return incidents[i].CreatedAt.After(incidents[j].CreatedAt)
	})
}

func paginate(events []model.Event, page, limit int) []model.Event {
	if limit <= 0 {
		return events
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(events) {
		return nil
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	return events[start:end]
}

func paginateIncidents(incidents []model.Incident, page, limit int) []model.Incident {
	if limit <= 0 {
		return incidents
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(incidents) {
		return nil
	}
	end := start + limit
	if end > len(incidents) {
		end = len(incidents)
	}
	return incidents[start:end]
}
