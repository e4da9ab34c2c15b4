// Package store defines the persistence contract for events, incidents, and
// rolling service stats, plus the Postgres and in-memory implementations.
//
// The contract is deliberately field-scoped on the write side: incident
// mutations name the exact columns they touch so the aggregation and
// summarization workers can update the same row concurrently without
// clobbering each other.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arc-self/incident-service/internal/model"
)

var (
	// ErrNotFound is returned by id lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// EventFilter narrows event listings. Zero values mean "no constraint".
type EventFilter struct {
	Service     string
	Severity    int
	MinSeverity int
	MaxSeverity int
	Start       time.Time
	End         time.Time
	Tags        []string
	Page        int
	Limit       int
	// Sort is "asc" or "desc" by timestamp; default desc.
	Sort string
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	Status      model.IncidentStatus
	MinSeverity int
	Service     string
	Start       time.Time
	End         time.Time
	Page        int
	Limit       int
	// Sort is "asc" or "desc" by createdAt; default desc.
	Sort string
}

// EventStats is the aggregate view served by GET /events/stats.
type EventStats struct {
	Total      int64            `json:"total"`
	BySeverity map[int]int64    `json:"bySeverity"`
	ByService  map[string]int64 `json:"byService"`
}

// InsertResult reports the outcome of an unordered bulk insert.
type InsertResult struct {
	Inserted   int
	Duplicates int
}

// IncidentPatch holds the operator-editable incident fields. Nil pointers
// leave the column untouched.
type IncidentPatch struct {
	Status     *model.IncidentStatus
	AssignedTo *string
	Resolution *string
	RootCause  *string
}

// AISummary holds the fields written back by the summarization worker. These
// never overlap with the aggregation worker's fields.
type AISummary struct {
	Summary          string
	RootCause        string
	Impact           string
	SuggestedActions []string
}

// EventStore is the persistence contract for events.
type EventStore interface {
	// InsertMany bulk-inserts unordered: rows with duplicate ids are
	// dropped and counted, the rest still land.
	InsertMany(ctx context.Context, events []model.Event) (InsertResult, error)
	// FindRecentUnassigned returns events newer than since with no
	// incident assigned, newest first.
	FindRecentUnassigned(ctx context.Context, since time.Time) ([]model.Event, error)
	// FindByIDs returns up to limit of the given events, most recent
	// first. limit <= 0 means no cap.
	FindByIDs(ctx context.Context, ids []string, limit int) ([]model.Event, error)
	FindByID(ctx context.Context, id string) (model.Event, error)
	// AssignIncident back-links events to an incident in one bulk update.
	// Events that already carry an incident id are left untouched.
	AssignIncident(ctx context.Context, eventIDs []string, incidentID string) error
	List(ctx context.Context, f EventFilter) ([]model.Event, int64, error)
	Stats(ctx context.Context, start, end time.Time) (EventStats, error)
}

// IncidentStore is the persistence contract for incidents.
type IncidentStore interface {
	Insert(ctx context.Context, inc model.Incident) error
	FindByID(ctx context.Context, id string) (model.Incident, error)
	// FindExtensionCandidate returns the most recent open incident whose
	// affected services contain service, whose error type matches, and
	// which was created at or after since, or ErrNotFound.
	FindExtensionCandidate(ctx context.Context, service, errorType string, since time.Time) (model.Incident, error)
	// FindSummaryNeeded returns open incidents created at or after since
	// that have no AI summary yet, ordered severity desc then createdAt
	// desc, capped at limit.
	FindSummaryNeeded(ctx context.Context, since time.Time, limit int) ([]model.Incident, error)
	List(ctx context.Context, f IncidentFilter) ([]model.Incident, int64, error)
	// ListActive returns open incidents sorted severity desc, createdAt desc.
	ListActive(ctx context.Context) ([]model.Incident, error)
	// Extend updates only the aggregation-owned fields: event ids,
	// severity score (kept monotone), affected services, summary.
	Extend(ctx context.Context, id string, eventIDs []string, severityScore int, services []string, summary string) (model.Incident, error)
	// SetAISummary updates only the summarization-owned fields.
	SetAISummary(ctx context.Context, id string, s AISummary) (model.Incident, error)
	// Update applies the operator patch, maintaining the resolvedAt and
	// acknowledgedAt timestamps.
	Update(ctx context.Context, id string, patch IncidentPatch) (model.Incident, error)
}

// StatsStore is the persistence contract for rolling service stats.
type StatsStore interface {
	// Upsert increments the (service, windowKey) counter by delta and
	// touches its timestamp.
	Upsert(ctx context.Context, service, windowKey string, delta int, ts time.Time) error
	// FindRecent returns up to limit rows for service, newest first.
	FindRecent(ctx context.Context, service string, limit int) ([]model.ServiceStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the three persistence contracts.
type Store interface {
	Events() EventStore
	Incidents() IncidentStore
	Stats() StatsStore
}
