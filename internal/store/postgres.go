package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arc-self/incident-service/internal/model"
)

// Postgres is the pgx-backed Store. All incident mutations are field-scoped
// UPDATEs so the two workers can touch the same row without clobbering each
// other, and the severity score is kept monotone in SQL via GREATEST.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool. The schema is managed
// externally (see schema.sql).
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Events() EventStore       { return (*pgEvents)(p) }
func (p *Postgres) Incidents() IncidentStore { return (*pgIncidents)(p) }
func (p *Postgres) Stats() StatsStore        { return (*pgStats)(p) }

// Ping verifies database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const eventColumns = `event_id, service, severity, ts, metadata, tags, COALESCE(incident_id, '')`

const incidentColumns = `incident_id, event_ids, status, severity_score, affected_services,
	error_type, summary, ai_summary, impact, root_cause, resolution, suggested_actions,
	assigned_to, created_at, updated_at, acknowledged_at, resolved_at`

// ── events ────────────────────────────────────────────────────────────────

type pgEvents Postgres

func (p *pgEvents) InsertMany(ctx context.Context, events []model.Event) (InsertResult, error) {
	if len(events) == 0 {
		return InsertResult{}, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return InsertResult{}, fmt.Errorf("marshal event metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO events (event_id, service, severity, ts, metadata, tags, incident_id)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
			ON CONFLICT (event_id) DO NOTHING`,
			e.ID, e.Service, e.Severity, e.Timestamp, metadata, e.Tags, e.IncidentID)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	var res InsertResult
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return res, fmt.Errorf("insert events: %w", err)
		}
		if tag.RowsAffected() > 0 {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}

func (p *pgEvents) FindRecentUnassigned(ctx context.Context, since time.Time) ([]model.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE incident_id IS NULL AND ts >= $1
		ORDER BY ts DESC, event_id`, since)
	if err != nil {
		return nil, fmt.Errorf("find unassigned events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (p *pgEvents) FindByIDs(ctx context.Context, ids []string, limit int) ([]model.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE event_id = ANY($1)
		ORDER BY ts DESC, event_id`
	args := []any{ids}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find events by ids: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (p *pgEvents) FindByID(ctx context.Context, id string) (model.Event, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE event_id = $1`, id)

	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("find event: %w", err)
	}
	return e, nil
}

func (p *pgEvents) AssignIncident(ctx context.Context, eventIDs []string, incidentID string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE events
		SET incident_id = $2
		WHERE event_id = ANY($1) AND incident_id IS NULL`, eventIDs, incidentID)
	if err != nil {
		return fmt.Errorf("assign incident: %w", err)
	}
	return nil
}

func (p *pgEvents) List(ctx context.Context, f EventFilter) ([]model.Event, int64, error) {
	where, args := buildEventWhere(f)

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	order := ` ORDER BY ts DESC, event_id`
	if f.Sort == "asc" {
		order = ` ORDER BY ts ASC, event_id`
	}
	query := `SELECT ` + eventColumns + ` FROM events` + where + order
	if f.Limit > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += ` LIMIT ` + strconv.Itoa(f.Limit) + ` OFFSET ` + strconv.Itoa((page-1)*f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (p *pgEvents) Stats(ctx context.Context, start, end time.Time) (EventStats, error) {
	where, args := buildEventWhere(EventFilter{Start: start, End: end})

	stats := EventStats{BySeverity: make(map[int]int64), ByService: make(map[string]int64)}

	rows, err := p.pool.Query(ctx, `
		SELECT severity, COUNT(*) FROM events`+where+` GROUP BY severity`, args...)
	if err != nil {
		return EventStats{}, fmt.Errorf("event stats by severity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var severity int
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return EventStats{}, fmt.Errorf("scan severity stats: %w", err)
		}
		stats.BySeverity[severity] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return EventStats{}, fmt.Errorf("event stats by severity: %w", err)
	}

	rows, err = p.pool.Query(ctx, `
		SELECT service, COUNT(*) FROM events`+where+` GROUP BY service`, args...)
	if err != nil {
		return EventStats{}, fmt.Errorf("event stats by service: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var service string
		var count int64
		if err := rows.Scan(&service, &count); err != nil {
			return EventStats{}, fmt.Errorf("scan service stats: %w", err)
		}
		stats.ByService[service] = count
	}
	if err := rows.Err(); err != nil {
		return EventStats{}, fmt.Errorf("event stats by service: %w", err)
	}

	return stats, nil
}

func buildEventWhere(f EventFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.Severity != 0 {
		add("severity = $%d", f.Severity)
	}
	if f.MinSeverity != 0 {
		add("severity >= $%d", f.MinSeverity)
	}
	if f.MaxSeverity != 0 {
		add("severity <= $%d", f.MaxSeverity)
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts <= $%d", f.End)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var e model.Event
	var metadata []byte
	if err := row.Scan(&e.ID, &e.Service, &e.Severity, &e.Timestamp, &metadata, &e.Tags, &e.IncidentID); err != nil {
		return model.Event{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return model.Event{}, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return e, nil
}

// ── incidents ─────────────────────────────────────────────────────────────

type pgIncidents Postgres

func (p *pgIncidents) Insert(ctx context.Context, inc model.Incident) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO incidents (incident_id, event_ids, status, severity_score, affected_services,
			error_type, summary, ai_summary, impact, root_cause, resolution, suggested_actions,
			assigned_to, created_at, updated_at, acknowledged_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		inc.ID, inc.EventIDs, inc.Status, inc.SeverityScore, inc.AffectedServices,
		inc.ErrorType, inc.Summary, inc.AISummary, inc.Impact, inc.RootCause,
		inc.Resolution, inc.SuggestedActions, inc.AssignedTo, inc.CreatedAt,
		inc.UpdatedAt, inc.AcknowledgedAt, inc.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (p *pgIncidents) FindByID(ctx context.Context, id string) (model.Incident, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE incident_id = $1`, id)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("find incident: %w", err)
	}
	return inc, nil
}

func (p *pgIncidents) FindExtensionCandidate(ctx context.Context, service, errorType string, since time.Time) (model.Incident, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status IN ('active', 'investigating')
		  AND affected_services @> ARRAY[$1]::text[]
		  AND error_type = $2
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`, service, errorType, since)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("find extension candidate: %w", err)
	}
	return inc, nil
}

func (p *pgIncidents) FindSummaryNeeded(ctx context.Context, since time.Time, limit int) ([]model.Incident, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status IN ('active', 'investigating')
		  AND ai_summary = ''
		  AND created_at >= $1
		ORDER BY severity_score DESC, created_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("find incidents needing summary: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (p *pgIncidents) List(ctx context.Context, f IncidentFilter) ([]model.Incident, int64, error) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.MinSeverity != 0 {
		add("severity_score >= $%d", f.MinSeverity)
	}
	if f.Service != "" {
		add("affected_services @> ARRAY[$%d]::text[]", f.Service)
	}
	if !f.Start.IsZero() {
		add("created_at >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("created_at <= $%d", f.End)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM incidents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count incidents: %w", err)
	}

	order := ` ORDER BY created_at DESC`
	if f.Sort == "asc" {
		order = ` ORDER BY created_at ASC`
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents` + where + order
	if f.Limit > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += ` LIMIT ` + strconv.Itoa(f.Limit) + ` OFFSET ` + strconv.Itoa((page-1)*f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	incidents, err := scanIncidents(rows)
	if err != nil {
		return nil, 0, err
	}
	return incidents, total, nil
}

func (p *pgIncidents) ListActive(ctx context.Context) ([]model.Incident, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status IN ('active', 'investigating')
		ORDER BY severity_score DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (p *pgIncidents) Extend(ctx context.Context, id string, eventIDs []string, severityScore int, services []string, summary string) (model.Incident, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE incidents
		SET event_ids = $2,
		    severity_score = GREATEST(severity_score, $3),
		    affected_services = $4,
		    summary = $5,
		    updated_at = now()
		WHERE incident_id = $1
		RETURNING `+incidentColumns,
		id, eventIDs, severityScore, services, summary)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("extend incident: %w", err)
	}
	return inc, nil
}

func (p *pgIncidents) SetAISummary(ctx context.Context, id string, s AISummary) (model.Incident, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE incidents
		SET ai_summary = $2,
		    impact = $3,
		    root_cause = CASE WHEN $4 = '' THEN root_cause ELSE $4 END,
		    suggested_actions = $5,
		    updated_at = now()
		WHERE incident_id = $1
		RETURNING `+incidentColumns,
		id, s.Summary, s.Impact, s.RootCause, s.SuggestedActions)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("set ai summary: %w", err)
	}
	return inc, nil
}

func (p *pgIncidents) Update(ctx context.Context, id string, patch IncidentPatch) (model.Incident, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(clause string, arg any) {
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf(clause, len(args)))
	}
	if patch.Status != nil {
		add("status = $%d", *patch.Status)
		if *patch.Status == model.StatusResolved {
			sets = append(sets, "resolved_at = COALESCE(resolved_at, now())")
		}
	}
	if patch.AssignedTo != nil {
		add("assigned_to = $%d", *patch.AssignedTo)
		if *patch.AssignedTo != "" {
			sets = append(sets, "acknowledged_at = COALESCE(acknowledged_at, now())")
		}
	}
	if patch.Resolution != nil {
		add("resolution = $%d", *patch.Resolution)
	}
	if patch.RootCause != nil {
		add("root_cause = $%d", *patch.RootCause)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE incidents
		SET `+strings.Join(sets, ", ")+`
		WHERE incident_id = $1
		RETURNING `+incidentColumns, args...)

	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("update incident: %w", err)
	}
	return inc, nil
}

func scanIncidents(rows pgx.Rows) ([]model.Incident, error) {
	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read incidents: %w", err)
	}
	return out, nil
}

func scanIncident(row pgx.Row) (model.Incident, error) {
	var inc model.Incident
	err := row.Scan(&inc.ID, &inc.EventIDs, &inc.Status, &inc.SeverityScore,
		&inc.AffectedServices, &inc.ErrorType, &inc.Summary, &inc.AISummary,
		&inc.Impact, &inc.RootCause, &inc.Resolution, &inc.SuggestedActions,
		&inc.AssignedTo, &inc.CreatedAt, &inc.UpdatedAt, &inc.AcknowledgedAt,
		&inc.ResolvedAt)
	if err != nil {
		return model.Incident{}, err
	}
	return inc, nil
}

// ── stats ─────────────────────────────────────────────────────────────────

type pgStats Postgres

func (p *pgStats) Upsert(ctx context.Context, service, windowKey string, delta int, ts time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO service_stats (service, window_key, count, ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service, window_key)
		DO UPDATE SET count = service_stats.count + EXCLUDED.count, ts = EXCLUDED.ts`,
		service, windowKey, delta, ts)
	if err != nil {
		return fmt.Errorf("upsert service stats: %w", err)
	}
	return nil
}

func (p *pgStats) FindRecent(ctx context.Context, service string, limit int) ([]model.ServiceStats, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT service, window_key, count, ts
		FROM service_stats
		WHERE service = $1
		ORDER BY window_key DESC
		LIMIT $2`, service, limit)
	if err != nil {
		return nil, fmt.Errorf("find recent stats: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceStats
	for rows.Next() {
		var s model.ServiceStats
		if err := rows.Scan(&s.Service, &s.WindowKey, &s.Count, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("scan service stats: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read service stats: %w", err)
	}
	return out, nil
}

func (p *pgStats) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM service_stats WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale stats: %w", err)
	}
	return tag.RowsAffected(), nil
}
