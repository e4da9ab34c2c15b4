// Package scoring computes composite severity scores for events and
// incidents. Everything here is pure computation: no I/O, no clocks, fully
// deterministic for a given input.
package scoring

import (
	"math"
	"strings"

	"github.com/arc-self/incident-service/internal/model"
)

// baseScores maps the 1..5 event severity onto the 0..100 scoring scale.
var baseScores = map[int]float64{
	1: 10,
	2: 25,
	3: 50,
	4: 75,
	5: 100,
}

// epsilon guards the frequency ratio against a zero baseline.
const epsilon = 0.0001

// CriticalService configures per-service score weighting.
type CriticalService struct {
	Multiplier     float64 `json:"multiplier"`
	AlertThreshold int     `json:"alertThreshold"`
}

// SpikeContext carries the per-service rate context used for frequency
// weighting: the count in the current window and the historical mean.
type SpikeContext struct {
	CurrentCount float64
	Mean         float64
}

// EventScore is the per-event scoring breakdown.
type EventScore struct {
	Base           float64 `json:"base"`
	ServiceMul     float64 `json:"serviceMultiplier"`
	FrequencyMul   float64 `json:"frequencyMultiplier"`
	FrequencyLevel string  `json:"frequencyLevel"`
	Final          int     `json:"finalScore"`
}

// IncidentScore is the aggregate score for a set of events.
type IncidentScore struct {
	Composite      int     `json:"composite"`
	Level          int     `json:"level"`
	Classification string  `json:"classification"`
	MaxScore       int     `json:"maxScore"`
	AvgScore       float64 `json:"avgScore"`
}

// Scorer weights raw event severity by service criticality and rate
// anomalies. Service lookup is case-insensitive.
type Scorer struct {
	critical map[string]CriticalService
}

// NewScorer builds a Scorer from the configured critical-services map.
func NewScorer(critical map[string]CriticalService) *Scorer {
	lowered := make(map[string]CriticalService, len(critical))
	for name, cs := range critical {
		lowered[strings.ToLower(name)] = cs
	}
	return &Scorer{critical: lowered}
}

// ScoreEvent computes the final 0..100 score for one event. spike may be nil
// when no rate context is available for the event's service.
func (s *Scorer) ScoreEvent(e model.Event, spike *SpikeContext) EventScore {
	base := baseScores[model.ClampSeverity(int(math.Round(float64(e.Severity))))]

	serviceMul := 1.0
	if cs, ok := s.critical[strings.ToLower(e.Service)]; ok && cs.Multiplier > 0 {
		serviceMul = cs.Multiplier
	}

	freqMul, freqLevel := frequencyMultiplier(spike)

	final := math.Round(base * serviceMul * freqMul)
	if final > 100 {
		final = 100
	}

	return EventScore{
		Base:           base,
		ServiceMul:     serviceMul,
		FrequencyMul:   freqMul,
		FrequencyLevel: freqLevel,
		Final:          int(final),
	}
}

// frequencyMultiplier maps the current/baseline rate ratio to a multiplier.
func frequencyMultiplier(spike *SpikeContext) (float64, string) {
	if spike == nil {
		return 1.0, "normal"
	}
	if spike.Mean == 0 {
		if spike.CurrentCount > 0 {
			return 1.3, "elevated"
		}
		return 1.0, "normal"
	}
	r := spike.CurrentCount / math.Max(spike.Mean, epsilon)
	switch {
	case r >= 4:
		return 2.0, "critical"
	case r >= 2.5:
		return 1.6, "high"
	case r >= 1.5:
		return 1.3, "elevated"
	}
	return 1.0, "normal"
}

// ScoreIncident computes the composite score over a set of events. spikes
// maps service name to rate context; services absent from the map score with
// a neutral frequency multiplier. An empty event set scores zero.
func (s *Scorer) ScoreIncident(events []model.Event, spikes map[string]SpikeContext) IncidentScore {
	if len(events) == 0 {
		return IncidentScore{Composite: 0, Level: 1, Classification: "low"}
	}

	maxScore := 0
	sum := 0.0
	for _, e := range events {
		var ctx *SpikeContext
		if sc, ok := spikes[e.Service]; ok {
			ctx = &sc
		}
		es := s.ScoreEvent(e, ctx)
		if es.Final > maxScore {
			maxScore = es.Final
		}
		sum += float64(es.Final)
	}
	avg := sum / float64(len(events))

	countFactor := math.Min(1+0.2*math.Log10(float64(len(events))), 1.5)
	composite := math.Round((0.6*float64(maxScore) + 0.4*avg) * countFactor)
	if composite > 100 {
		composite = 100
	}

	c := int(composite)
	return IncidentScore{
		Composite:      c,
		Level:          levelFor(c),
		Classification: classificationFor(c),
		MaxScore:       maxScore,
		AvgScore:       avg,
	}
}

func levelFor(score int) int {
	switch {
	case score >= 90:
		return 5
	case score >= 75:
		return 4
	case score >= 50:
		return 3
	case score >= 25:
		return 2
	}
	return 1
}

func classificationFor(score int) string {
	switch {
	case score >= 90:
		return "critical"
	case score >= 75:
		return "high"
	case score >= 50:
		return "medium"
	}
	return "low"
}
