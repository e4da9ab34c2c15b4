// Package redact masks sensitive substrings in event metadata before it is
// sent anywhere external (AI providers, webhooks, logs shipped off-host).
//
// The redactor is pure and deterministic: the same input always produces the
// same output, and redacting already-redacted text is a no-op. It never
// returns an error — unrecognized structures pass through verbatim.
package redact

import (
	"regexp"

	"github.com/arc-self/incident-service/internal/model"
)

// pattern is one named PII matcher with its replacement placeholder.
type pattern struct {
	name        string
	re          *regexp.Regexp
	placeholder string
}

// patterns are applied in declared order. Order matters: phone runs after the
// IP patterns so dotted quads are not shredded into partial phone matches, and
// the name heuristic runs last so it only sees values the earlier patterns
// left alone.
var patterns = []pattern{
	{
		name:        "email",
		re:          regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		placeholder: "[REDACTED_EMAIL]",
	},
	{
		name:        "ipv4",
		re:          regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		placeholder: "[REDACTED_IP]",
	},
	{
		// At least three colon groups, so hh:mm:ss clock strings in log
		// text are left alone.
		name:        "ipv6",
		re:          regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){3,7}[0-9a-fA-F]{1,4}\b`),
		placeholder: "[REDACTED_IPV6]",
	},
	{
		name:        "phone",
		re:          regexp.MustCompile(`(?:\+1[-.\s]?)?\(?\b\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
		placeholder: "[REDACTED_PHONE]",
	},
	{
		name:        "ssn",
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		placeholder: "[REDACTED_SSN]",
	},
	{
		name:        "credit_card",
		re:          regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
		placeholder: "[REDACTED_CC]",
	},
	{
		name:        "aws_key",
		re:          regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		placeholder: "[REDACTED_AWS_KEY]",
	},
	{
		name:        "bearer_token",
		re:          regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
		placeholder: "[REDACTED_TOKEN]",
	},
	{
		name:        "jwt",
		re:          regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]*`),
		placeholder: "[REDACTED_JWT]",
	},
	{
		// Key-value heuristic: name=John Smith, user: Alice. Only the value
		// is replaced; the key and separator are preserved. Case folding is
		// scoped to the key so the value stays strictly Capitalized Words
		// and trailing lowercase text is left alone.
		name:        "name",
		re:          regexp.MustCompile(`\b((?i:name|user|username|author|owner|assigned))(\s*[=:]\s*)([A-Z][a-z]+(?: [A-Z][a-z]+)*)`),
		placeholder: "[REDACTED_NAME]",
	},
}

// Stats aggregates per-pattern replacement counts over a redaction pass.
type Stats struct {
	// Patterns maps pattern name to the number of replacements made.
	Patterns map[string]int `json:"patterns"`
	// FieldsRedacted counts string fields whose value changed.
	FieldsRedacted int `json:"fieldsRedacted"`
}

// merge folds other's counts into s.
func (s *Stats) merge(other map[string]int) {
	for name, n := range other {
		s.Patterns[name] += n
	}
}

// Total returns the sum of all pattern replacement counts.
func (s Stats) Total() int {
	total := 0
	for _, n := range s.Patterns {
		total += n
	}
	return total
}

// Redact applies every pattern in order to text, returning the masked text
// and per-pattern replacement counts. Replacing with fixed bracket tokens is
// idempotent: no pattern matches inside a placeholder.
func Redact(text string) (string, map[string]int) {
	counts := make(map[string]int)
	for _, p := range patterns {
		if p.name == "name" {
			text = p.re.ReplaceAllStringFunc(text, func(m string) string {
				counts[p.name]++
				sub := p.re.FindStringSubmatch(m)
				return sub[1] + sub[2] + p.placeholder
			})
			continue
		}
		n := len(p.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		counts[p.name] += n
		text = p.re.ReplaceAllString(text, p.placeholder)
	}
	return text, counts
}

// RedactTree walks an arbitrary JSON-shaped value (maps, slices, scalars),
// applying Redact to every string and returning a structurally identical
// copy. Non-string scalars pass through untouched.
func RedactTree(node any) (any, Stats) {
	stats := Stats{Patterns: make(map[string]int)}
	out := redactNode(node, &stats)
	return out, stats
}

func redactNode(node any, stats *Stats) any {
	switch v := node.(type) {
	case string:
		masked, counts := Redact(v)
		stats.merge(counts)
		if masked != v {
			stats.FieldsRedacted++
		}
		return masked
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = redactNode(child, stats)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = redactNode(child, stats)
		}
		return out
	default:
		return v
	}
}

// RedactEvents copies each event with its metadata redacted, leaving the core
// fields (id, service, severity, timestamp, tags) intact. The returned stats
// aggregate over all events for auditing upstream.
func RedactEvents(events []model.Event) ([]model.Event, Stats) {
	stats := Stats{Patterns: make(map[string]int)}
	out := make([]model.Event, len(events))
	for i, e := range events {
		copied := e
		if e.Metadata != nil {
			masked := redactNode(e.Metadata, &stats)
			copied.Metadata = masked.(map[string]any)
		}
		out[i] = copied
	}
	return out, stats
}
