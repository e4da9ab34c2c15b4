package model

import "time"

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	StatusActive        IncidentStatus = "active"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
)

// ValidStatus reports whether s is a known incident status.
func ValidStatus(s IncidentStatus) bool {
	switch s {
	case StatusActive, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}

// Incident is a coalesced group of related events sharing service and
// error-type affinity within a short time window.
//
// Two summary fields exist on purpose: Summary is the deterministic text
// regenerated by the aggregation worker, AISummary is written only by the
// summarization worker. The workers never cross-write each other's slot.
type Incident struct {
	ID               string         `json:"incidentId"`
	EventIDs         []string       `json:"eventIds"`
	Status           IncidentStatus `json:"status"`
	SeverityScore    int            `json:"severityScore"`
	AffectedServices []string       `json:"affectedServices"`
	// ErrorType is the cluster affinity key the incident was created for.
	// Extension only merges clusters sharing it, keeping the deterministic
	// summary's error-type count truthful.
	ErrorType        string         `json:"errorType,omitempty"`
	Summary          string         `json:"summary"`
	AISummary        string         `json:"aiGeneratedSummary,omitempty"`
	Impact           string         `json:"impact,omitempty"`
	RootCause        string         `json:"rootCause,omitempty"`
	Resolution       string         `json:"resolution,omitempty"`
	SuggestedActions []string       `json:"suggestedActions,omitempty"`
	AssignedTo       string         `json:"assignedTo,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	AcknowledgedAt   *time.Time     `json:"acknowledgedAt,omitempty"`
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty"`
}

// Open reports whether the incident still accepts new events.
func (i *Incident) Open() bool {
	return i.Status == StatusActive || i.Status == StatusInvestigating
}

// HasService reports whether the incident's affected set contains service.
func (i *Incident) HasService(service string) bool {
	for _, s := range i.AffectedServices {
		if s == service {
			return true
		}
	}
	return false
}

// ServiceStats is one rolling-window counter row for a service. Rows are
// unique on (Service, WindowKey) and expire after twice the history
// retention.
type ServiceStats struct {
	Service   string    `json:"service"`
	WindowKey string    `json:"windowKey"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}
