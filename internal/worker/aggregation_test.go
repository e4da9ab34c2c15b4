package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/scoring"
	"github.com/arc-self/incident-service/internal/spike"
	"github.com/arc-self/incident-service/internal/store"
)

type recordBroadcaster struct {
	mu      sync.Mutex
	actions []string
	ids     []string
}

func (r *recordBroadcaster) PublishIncident(inc model.Incident, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	r.ids = append(r.ids, inc.ID)
}

var aggNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, mem *store.Memory) (*Aggregator, *recordBroadcaster) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	detector := spike.NewDetector(mem.Stats(), spike.DefaultConfig(), logger)
	scorer := scoring.NewScorer(nil)
	bc := &recordBroadcaster{}
	a := NewAggregator(mem, detector, scorer, bc, AggregatorConfig{}, logger)
	a.now = func() time.Time { return aggNow }
	seq := 0
	a.newID = func() string {
		seq++
		return fmt.Sprintf("inc-%d", seq)
	}
	return a, bc
}

func insertEvents(t *testing.T, mem *store.Memory, events ...model.Event) {
	t.Helper()
	_, err := mem.Events().InsertMany(context.Background(), events)
	require.NoError(t, err)
}

func deadlockEvent(id string, age time.Duration) model.Event {
	return model.Event{
		ID:        id,
		Service:   "order-service",
		Severity:  3,
		Timestamp: aggNow.Add(-age),
		Metadata:  map[string]any{"errorType": "DeadlockDetected"},
	}
}

func TestTick_CreatesIncidentFromCluster(t *testing.T) {
	mem := store.NewMemory()
	a, bc := newTestAggregator(t, mem)

	insertEvents(t, mem,
		deadlockEvent("e1", 20*time.Second),
		deadlockEvent("e2", 10*time.Second),
	)

	a.tick(context.Background())

	incidents, err := mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.ElementsMatch(t, []string{"e1", "e2"}, inc.EventIDs)
	assert.Equal(t, []string{"order-service"}, inc.AffectedServices)
	assert.Equal(t, model.StatusActive, inc.Status)
	assert.Contains(t, inc.Summary, "2 DeadlockDetected events from order-service")
	assert.Contains(t, inc.Summary, "Severity:")

	// Events are back-linked in the same run.
	for _, id := range []string{"e1", "e2"} {
		e, err := mem.Events().FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, inc.ID, e.IncidentID)
	}

	assert.Equal(t, []string{"created"}, bc.actions)
}

func TestTick_ExtendsRecentIncident(t *testing.T) {
	mem := store.NewMemory()
	a, bc := newTestAggregator(t, mem)

	insertEvents(t, mem,
		deadlockEvent("e1", 50*time.Second),
		deadlockEvent("e2", 40*time.Second),
	)
	a.tick(context.Background())

	insertEvents(t, mem,
		deadlockEvent("e3", 20*time.Second),
		deadlockEvent("e4", 10*time.Second),
	)
	a.tick(context.Background())

	incidents, err := mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1, "the second run must extend, not create")

	inc := incidents[0]
	assert.Len(t, inc.EventIDs, 4)
	assert.Equal(t, []string{"order-service"}, inc.AffectedServices)
	assert.Contains(t, inc.Summary, "4 DeadlockDetected events")
	assert.Equal(t, []string{"created", "updated"}, bc.actions)
}

func TestTick_AssignedEventsNeverReassigned(t *testing.T) {
	mem := store.NewMemory()
	a, _ := newTestAggregator(t, mem)

	insertEvents(t, mem, deadlockEvent("e1", 30*time.Second))
	a.tick(context.Background())

	first, err := mem.Events().FindByID(context.Background(), "e1")
	require.NoError(t, err)
	require.NotEmpty(t, first.IncidentID)

	// Further runs leave the assignment untouched.
	insertEvents(t, mem, deadlockEvent("e2", 5*time.Second))
	a.tick(context.Background())

	again, err := mem.Events().FindByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, first.IncidentID, again.IncidentID)
}

func TestTick_ClustersByServiceAndErrorType(t *testing.T) {
	mem := store.NewMemory()
	a, bc := newTestAggregator(t, mem)

	insertEvents(t, mem,
		deadlockEvent("e1", 20*time.Second),
		model.Event{
			ID: "e2", Service: "order-service", Severity: 3,
			Timestamp: aggNow.Add(-20 * time.Second),
			Metadata:  map[string]any{"errorType": "Timeout"},
		},
		model.Event{
			ID: "e3", Service: "payment-service", Severity: 4,
			Timestamp: aggNow.Add(-15 * time.Second),
		},
	)

	a.tick(context.Background())

	// Three distinct (service, errorType) keys.
	assert.Len(t, bc.ids, 3)

	incidents, err := mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 3)

	var summaries []string
	for _, inc := range incidents {
		summaries = append(summaries, inc.Summary)
	}
	assert.Contains(t, summaries[0]+summaries[1]+summaries[2], "severity_4")
}

func TestTick_ExtensionScopedToErrorType(t *testing.T) {
	mem := store.NewMemory()
	a, bc := newTestAggregator(t, mem)

	insertEvents(t, mem,
		deadlockEvent("e1", 50*time.Second),
		deadlockEvent("e2", 40*time.Second),
	)
	a.tick(context.Background())

	// Same service, different error type: must not fold into the deadlock
	// incident, whose summary would then miscount its events.
	insertEvents(t, mem, model.Event{
		ID: "e3", Service: "order-service", Severity: 3,
		Timestamp: aggNow.Add(-10 * time.Second),
		Metadata:  map[string]any{"errorType": "Timeout"},
	})
	a.tick(context.Background())

	incidents, err := mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 2, "a new error type opens its own incident")

	byType := make(map[string]model.Incident, len(incidents))
	for _, inc := range incidents {
		byType[inc.ErrorType] = inc
	}
	require.Contains(t, byType, "DeadlockDetected")
	require.Contains(t, byType, "Timeout")
	assert.Len(t, byType["DeadlockDetected"].EventIDs, 2)
	assert.Contains(t, byType["DeadlockDetected"].Summary, "2 DeadlockDetected events")
	assert.Len(t, byType["Timeout"].EventIDs, 1)
	assert.Contains(t, byType["Timeout"].Summary, "1 Timeout events")
	assert.Equal(t, []string{"created", "created"}, bc.actions)
}

func TestTick_MonotoneSeverity(t *testing.T) {
	mem := store.NewMemory()
	a, _ := newTestAggregator(t, mem)

	e := deadlockEvent("e1", 50*time.Second)
	e.Severity = 5
	insertEvents(t, mem, e)
	a.tick(context.Background())

	incidents, err := mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	high := incidents[0].SeverityScore

	// A later, milder cluster must not lower the score.
	mild := deadlockEvent("e2", 5*time.Second)
	mild.Severity = 1
	insertEvents(t, mem, mild)
	a.tick(context.Background())

	incidents, err = mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, incidents[0].SeverityScore, high)
}

func TestTick_ResolvedIncidentNotExtended(t *testing.T) {
	mem := store.NewMemory()
	a, bc := newTestAggregator(t, mem)

	insertEvents(t, mem, deadlockEvent("e1", 50*time.Second))
	a.tick(context.Background())

	status := model.StatusResolved
	_, err := mem.Incidents().Update(context.Background(), bc.ids[0], store.IncidentPatch{Status: &status})
	require.NoError(t, err)

	insertEvents(t, mem, deadlockEvent("e2", 5*time.Second))
	a.tick(context.Background())

	incidents, _, err := mem.Incidents().List(context.Background(), store.IncidentFilter{})
	require.NoError(t, err)
	assert.Len(t, incidents, 2, "a resolved incident never grows; a fresh one is created")
}

func TestTick_NoEventsNoIncidents(t *testing.T) {
	mem := store.NewMemory()
	a, bc := newTestAggregator(t, mem)

	a.tick(context.Background())

	incidents, _, err := mem.Incidents().List(context.Background(), store.IncidentFilter{})
	require.NoError(t, err)
	assert.Empty(t, incidents)
	assert.Empty(t, bc.actions)
}

func TestTick_RecordsServiceCounts(t *testing.T) {
	mem := store.NewMemory()
	a, _ := newTestAggregator(t, mem)

	insertEvents(t, mem,
		deadlockEvent("e1", 20*time.Second),
		deadlockEvent("e2", 10*time.Second),
	)
	a.tick(context.Background())

	rows, err := mem.Stats().FindRecent(context.Background(), "order-service", 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Count)
}

func TestTick_SpikeAnnotatedInSummary(t *testing.T) {
	mem := store.NewMemory()
	a, _ := newTestAggregator(t, mem)

	// Seed a modest baseline with some variance, then burst well past it.
	baseline := []int{10, 12, 8, 14, 11}
	for i, n := range baseline {
		ts := aggNow.Add(-time.Duration(i+1) * 5 * time.Minute)
		key := spike.WindowKey(ts, 5*time.Minute)
		require.NoError(t, mem.Stats().Upsert(context.Background(), "order-service", key, n, ts))
	}

	burst := make([]model.Event, 40)
	for i := range burst {
		burst[i] = deadlockEvent(fmt.Sprintf("b%d", i), time.Duration(i)*time.Second)
	}
	insertEvents(t, mem, burst...)

	a.tick(context.Background())

	incidents, err := mem.Incidents().ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0].Summary, "Spike detected:")
	assert.Contains(t, incidents[0].Summary, "σ above normal")
}

func TestTick_SingletonGuard(t *testing.T) {
	mem := store.NewMemory()
	a, _ := newTestAggregator(t, mem)

	// Simulate a run in progress; the tick must bail out immediately.
	a.running.Store(true)
	insertEvents(t, mem, deadlockEvent("e1", 10*time.Second))
	a.tick(context.Background())

	incidents, _, err := mem.Incidents().List(context.Background(), store.IncidentFilter{})
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestTick_CleanupEveryNthRun(t *testing.T) {
	mem := store.NewMemory()
	a, _ := newTestAggregator(t, mem)

	// An expired row that only cleanup removes.
	old := aggNow.Add(-3 * time.Hour)
	require.NoError(t, mem.Stats().Upsert(context.Background(), "api", spike.WindowKey(old, 5*time.Minute), 3, old))

	for i := 0; i < 10; i++ {
		a.tick(context.Background())
	}

	rows, err := mem.Stats().FindRecent(context.Background(), "api", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
