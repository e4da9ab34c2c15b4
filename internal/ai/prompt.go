package ai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arc-self/incident-service/internal/model"
)

// systemPrompt frames every summarization call.
const systemPrompt = `You are a senior SRE analyst. You review clustered production incidents and write concise, actionable summaries for on-call engineers. Base every statement strictly on the provided events. Respond with JSON only, no prose outside the JSON.`

// IncidentSummary is the structured summary the model returns per incident.
type IncidentSummary struct {
	IncidentID       string   `json:"incidentId"`
	Summary          string   `json:"summary"`
	RootCause        string   `json:"rootCause"`
	Impact           string   `json:"impact"`
	SuggestedActions []string `json:"suggestedActions"`
}

// promptEvent is the redacted event rendering embedded in prompts. Metadata
// must already be redacted by the caller.
type promptEvent struct {
	Service   string         `json:"service"`
	Severity  int            `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// BuildBatchPrompt renders the user message for a batch of incidents with
// their (already redacted) events.
func BuildBatchPrompt(incidents []model.Incident, eventsByIncident map[string][]model.Event) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following production incidents.\n\n")

	for i, inc := range incidents {
		events := eventsByIncident[inc.ID]
		sb.WriteString(fmt.Sprintf("## Incident %d\n", i+1))
		sb.WriteString(fmt.Sprintf("incidentId: %s\n", inc.ID))
		sb.WriteString(fmt.Sprintf("affectedServices: %s\n", strings.Join(inc.AffectedServices, ", ")))
		sb.WriteString(fmt.Sprintf("eventCount: %d\n", len(inc.EventIDs)))
		sb.WriteString(fmt.Sprintf("maxSeverity: %d\n", maxSeverity(events)))
		if first, last, ok := timeRange(events); ok {
			sb.WriteString(fmt.Sprintf("timeRange: %s to %s\n", first.Format(time.RFC3339), last.Format(time.RFC3339)))
		}
		sb.WriteString("events:\n")
		sb.WriteString(renderEvents(events))
		sb.WriteString("\n")
	}

	sb.WriteString(`Respond with a single JSON object of the form:
{"incidents": [{"incidentId": "...", "summary": "...", "rootCause": "...", "impact": "...", "suggestedActions": ["...", "..."]}]}
Include one entry per incident, keyed by the incidentId given above.`)
	return sb.String()
}

// BuildSinglePrompt renders the user message for one incident.
func BuildSinglePrompt(inc model.Incident, events []model.Event) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following production incident.\n\n")
	sb.WriteString(fmt.Sprintf("incidentId: %s\n", inc.ID))
	sb.WriteString(fmt.Sprintf("affectedServices: %s\n", strings.Join(inc.AffectedServices, ", ")))
	sb.WriteString(fmt.Sprintf("eventCount: %d\n", len(inc.EventIDs)))
	sb.WriteString(fmt.Sprintf("maxSeverity: %d\n", maxSeverity(events)))
	if first, last, ok := timeRange(events); ok {
		sb.WriteString(fmt.Sprintf("timeRange: %s to %s\n", first.Format(time.RFC3339), last.Format(time.RFC3339)))
	}
	sb.WriteString("events:\n")
	sb.WriteString(renderEvents(events))
	sb.WriteString("\nRespond with a single JSON object of the form:\n")
	sb.WriteString(`{"summary": "...", "rootCause": "...", "impact": "...", "suggestedActions": ["...", "..."]}`)
	return sb.String()
}

func renderEvents(events []model.Event) string {
	rendered := make([]promptEvent, len(events))
	for i, e := range events {
		rendered[i] = promptEvent{
			Service:   e.Service,
			Severity:  e.Severity,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata,
			Tags:      e.Tags,
		}
	}
	raw, err := json.MarshalIndent(rendered, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func maxSeverity(events []model.Event) int {
	max := 0
	for _, e := range events {
		if e.Severity > max {
			max = e.Severity
		}
	}
	return max
}

func timeRange(events []model.Event) (time.Time, time.Time, bool) {
	if len(events) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return first, last, true
}

// ParseBatchResponse extracts the per-incident summaries from a batch
// completion. Code fences and surrounding prose are tolerated.
func ParseBatchResponse(text string) ([]IncidentSummary, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Incidents []IncidentSummary `json:"incidents"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if len(parsed.Incidents) == 0 {
		return nil, fmt.Errorf("batch response has no incidents")
	}
	return parsed.Incidents, nil
}

// ParseSingleResponse extracts one summary from a single-incident completion.
func ParseSingleResponse(text, incidentID string) (IncidentSummary, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return IncidentSummary{}, err
	}
	var s IncidentSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return IncidentSummary{}, fmt.Errorf("decode response: %w", err)
	}
	if s.Summary == "" {
		return IncidentSummary{}, fmt.Errorf("response has no summary")
	}
	s.IncidentID = incidentID
	return s, nil
}

// extractJSON finds the outermost JSON object in model output, tolerating
// markdown fences.
func extractJSON(text string) (json.RawMessage, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	return json.RawMessage(text[start : end+1]), nil
}

// FallbackSummary is the deterministic summary applied when the model is
// unavailable or its response cannot be used.
func FallbackSummary(inc model.Incident, events []model.Event) IncidentSummary {
	services := make(map[string]struct{})
	for _, e := range events {
		services[e.Service] = struct{}{}
	}
	for _, svc := range inc.AffectedServices {
		services[svc] = struct{}{}
	}
	names := make([]string, 0, len(services))
	for svc := range services {
		names = append(names, svc)
	}
	sort.Strings(names)

	n := len(inc.EventIDs)
	if n == 0 {
		n = len(events)
	}
	return IncidentSummary{
		IncidentID: inc.ID,
		Summary:    fmt.Sprintf("%d events detected across %s. AI summary unavailable.", n, strings.Join(names, ", ")),
		RootCause:  "Not yet determined",
		Impact:     "Under investigation",
		SuggestedActions: []string{
			"Review the correlated events for this incident",
			"Check the health of the affected services",
			"Escalate to the owning team if errors persist",
		},
	}
}
