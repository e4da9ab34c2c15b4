package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/incident-service/internal/model"
)

func testScorer() *Scorer {
	return NewScorer(map[string]CriticalService{
		"payment-service": {Multiplier: 2.0, AlertThreshold: 5},
		"auth-service":    {Multiplier: 1.5, AlertThreshold: 10},
	})
}

func TestScoreEvent_CriticalServiceUnderSpike(t *testing.T) {
	s := testScorer()

	// severity 4 on a 2x service with a 5x rate ratio saturates at 100.
	got := s.ScoreEvent(
		model.Event{Service: "payment-service", Severity: 4},
		&SpikeContext{CurrentCount: 50, Mean: 10},
	)

	assert.Equal(t, 75.0, got.Base)
	assert.Equal(t, 2.0, got.ServiceMul)
	assert.Equal(t, 2.0, got.FrequencyMul)
	assert.Equal(t, "critical", got.FrequencyLevel)
	assert.Equal(t, 100, got.Final)
}

func TestScoreEvent_Table(t *testing.T) {
	s := testScorer()

	tests := []struct {
		name      string
		event     model.Event
		spike     *SpikeContext
		wantFinal int
		wantLevel string
	}{
		{
			name:      "plain service no spike context",
			event:     model.Event{Service: "billing", Severity: 3},
			spike:     nil,
			wantFinal: 50,
			wantLevel: "normal",
		},
		{
			name:      "case-insensitive service lookup",
			event:     model.Event{Service: "Payment-Service", Severity: 2},
			spike:     nil,
			wantFinal: 50,
			wantLevel: "normal",
		},
		{
			name:      "elevated ratio",
			event:     model.Event{Service: "billing", Severity: 3},
			spike:     &SpikeContext{CurrentCount: 16, Mean: 10},
			wantFinal: 65,
			wantLevel: "elevated",
		},
		{
			name:      "high ratio",
			event:     model.Event{Service: "billing", Severity: 3},
			spike:     &SpikeContext{CurrentCount: 26, Mean: 10},
			wantFinal: 80,
			wantLevel: "high",
		},
		{
			name:      "zero mean with activity is elevated",
			event:     model.Event{Service: "billing", Severity: 2},
			spike:     &SpikeContext{CurrentCount: 3, Mean: 0},
			wantFinal: 33,
			wantLevel: "elevated",
		},
		{
			name:      "zero mean zero count is normal",
			event:     model.Event{Service: "billing", Severity: 2},
			spike:     &SpikeContext{CurrentCount: 0, Mean: 0},
			wantFinal: 25,
			wantLevel: "normal",
		},
		{
			name:      "severity clamped above range",
			event:     model.Event{Service: "billing", Severity: 9},
			spike:     nil,
			wantFinal: 100,
			wantLevel: "normal",
		},
		{
			name:      "severity clamped below range",
			event:     model.Event{Service: "billing", Severity: 0},
			spike:     nil,
			wantFinal: 10,
			wantLevel: "normal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ScoreEvent(tt.event, tt.spike)
			assert.Equal(t, tt.wantFinal, got.Final)
			assert.Equal(t, tt.wantLevel, got.FrequencyLevel)
		})
	}
}

func TestScoreIncident_Empty(t *testing.T) {
	got := testScorer().ScoreIncident(nil, nil)
	assert.Equal(t, IncidentScore{Composite: 0, Level: 1, Classification: "low"}, got)
}

func TestScoreIncident_SingleEvent(t *testing.T) {
	s := testScorer()

	// One severity-3 event: max = avg = 50, count factor 1.0.
	got := s.ScoreIncident([]model.Event{{Service: "billing", Severity: 3}}, nil)
	assert.Equal(t, 50, got.Composite)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, "medium", got.Classification)
}

func TestScoreIncident_CompositeAndBounds(t *testing.T) {
	s := testScorer()

	events := []model.Event{
		{Service: "payment-service", Severity: 5},
		{Service: "payment-service", Severity: 5},
		{Service: "payment-service", Severity: 4},
	}
	spikes := map[string]SpikeContext{
		"payment-service": {CurrentCount: 50, Mean: 10},
	}

	got := s.ScoreIncident(events, spikes)

	// Every per-event score saturates at 100, so the composite saturates too.
	assert.Equal(t, 100, got.Composite)
	assert.Equal(t, 5, got.Level)
	assert.Equal(t, "critical", got.Classification)
	assert.Equal(t, 100, got.MaxScore)
}

func TestScoreIncident_CountFactorGrowth(t *testing.T) {
	s := testScorer()

	one := s.ScoreIncident([]model.Event{{Service: "billing", Severity: 2}}, nil)

	ten := make([]model.Event, 10)
	for i := range ten {
		ten[i] = model.Event{Service: "billing", Severity: 2}
	}
	many := s.ScoreIncident(ten, nil)

	// Same per-event scores; the larger cluster scores strictly higher.
	assert.Greater(t, many.Composite, one.Composite)
	// 25 * 1.2 count factor.
	assert.Equal(t, 30, many.Composite)
}

func TestScoreIncident_Deterministic(t *testing.T) {
	s := testScorer()
	events := []model.Event{
		{Service: "auth-service", Severity: 4},
		{Service: "billing", Severity: 2},
	}
	spikes := map[string]SpikeContext{"auth-service": {CurrentCount: 20, Mean: 8}}

	first := s.ScoreIncident(events, spikes)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.ScoreIncident(events, spikes))
	}
	assert.GreaterOrEqual(t, first.Composite, 0)
	assert.LessOrEqual(t, first.Composite, 100)
}
