// Package model defines the domain types shared across the incident-service:
// events, incidents, rolling service stats, and the helpers that derive
// cluster keys from event metadata.
package model

import (
	"strconv"
	"time"
)

// Event is a single observation emitted by an upstream service.
// Events are immutable once written; the only mutation is the one-time
// assignment of IncidentID by the aggregation worker.
type Event struct {
	ID         string         `json:"eventId"`
	Service    string         `json:"service"`
	Severity   int            `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	IncidentID string         `json:"incidentId,omitempty"`
}

// ClampSeverity forces a severity into the valid 1..5 range.
func ClampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

// errorTypeKeys is the ordered metadata key list consulted when deriving an
// event's error type. Aggregation clustering and AI prompt construction must
// agree on this order, which is why it lives here and nowhere else.
var errorTypeKeys = []string{
	"errorType",
	"error_type",
	"type",
	"category",
	"errorCode",
	"error_code",
}

// ErrorType derives the cluster error type for an event: the first non-empty
// string under the well-known metadata keys, falling back to the synthetic
// "severity_<n>" when none are present.
func ErrorType(e Event) string {
	for _, key := range errorTypeKeys {
		if v, ok := e.Metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return "severity_" + strconv.Itoa(ClampSeverity(e.Severity))
}
