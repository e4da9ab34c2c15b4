package spike

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/store"
)

var testNow = time.Date(2026, 3, 14, 10, 2, 30, 0, time.UTC)

func newTestDetector(t *testing.T, stats store.StatsStore) *Detector {
	t.Helper()
	d := NewDetector(stats, DefaultConfig(), zaptest.NewLogger(t))
	d.now = func() time.Time { return testNow }
	return d
}

// seedHistory writes one stats row per count, each in its own window strictly
// before the detector's current window.
func seedHistory(t *testing.T, stats store.StatsStore, service string, counts []int) {
	t.Helper()
	ctx := context.Background()
	for i, n := range counts {
		ts := testNow.Add(-time.Duration(len(counts)-i) * 5 * time.Minute)
		key := WindowKey(ts, 5*time.Minute)
		require.NoError(t, stats.Upsert(ctx, service, key, n, ts))
	}
}

func TestIsSpike_AgainstRollingBaseline(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	seedHistory(t, mem.Stats(), "api", []int{10, 12, 8, 14, 11})

	// mean 11, population stddev 2, threshold 15. A count at the threshold
	// is not a spike; one above it is.
	at := d.IsSpike(context.Background(), "api", 15)
	assert.True(t, at.HasEnoughData)
	assert.False(t, at.IsSpike)
	assert.InDelta(t, 11.0, at.Mean, 1e-9)
	assert.InDelta(t, 2.0, at.StdDev, 1e-9)
	assert.InDelta(t, 15.0, at.Threshold, 1e-9)
	assert.InDelta(t, 2.0, at.Deviations, 1e-9)
	assert.Equal(t, "elevated", at.Level)

	above := d.IsSpike(context.Background(), "api", 16)
	assert.True(t, above.IsSpike)
	assert.InDelta(t, 2.5, above.Deviations, 1e-9)
	assert.Equal(t, "elevated", above.Level)
}

func TestIsSpike_LevelBands(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	seedHistory(t, mem.Stats(), "api", []int{10, 12, 8, 14, 11})

	tests := []struct {
		count     int
		wantLevel string
	}{
		{17, "high"},     // 3 deviations
		{19, "critical"}, // 4 deviations
		{12, "normal"},   // 0.5 deviations
	}
	for _, tt := range tests {
		got := d.IsSpike(context.Background(), "api", tt.count)
		assert.Equal(t, tt.wantLevel, got.Level, "count %d", tt.count)
	}
}

func TestIsSpike_InsufficientData(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	seedHistory(t, mem.Stats(), "api", []int{10, 12})

	got := d.IsSpike(context.Background(), "api", 100)

	assert.False(t, got.IsSpike)
	assert.False(t, got.HasEnoughData)
	assert.Equal(t, ReasonInsufficientData, got.Reason)
	assert.Equal(t, "normal", got.Level)
}

func TestIsSpike_FlatBaselineNeverSpikes(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	seedHistory(t, mem.Stats(), "api", []int{7, 7, 7, 7})

	// zero stddev: any count sits on the threshold, never above it.
	got := d.IsSpike(context.Background(), "api", 500)
	assert.False(t, got.IsSpike)
	assert.Equal(t, 0.0, got.StdDev)
	assert.Equal(t, 0.0, got.Deviations)
}

func TestIsSpike_ExcludesCurrentWindow(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	seedHistory(t, mem.Stats(), "api", []int{10, 12, 8, 14, 11})

	// The count being evaluated is already recorded in the current window;
	// it must not shift its own baseline.
	d.RecordCounts(context.Background(), map[string]int{"api": 40})
	got := d.IsSpike(context.Background(), "api", 40)

	assert.InDelta(t, 11.0, got.Mean, 1e-9)
	assert.True(t, got.IsSpike)
}

type failingStats struct{}

func (failingStats) Upsert(context.Context, string, string, int, time.Time) error {
	return errors.New("connection refused")
}

func (failingStats) FindRecent(context.Context, string, int) ([]model.ServiceStats, error) {
	return nil, errors.New("connection refused")
}

func (failingStats) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestDetector_StoreFailuresDegrade(t *testing.T) {
	d := newTestDetector(t, failingStats{})

	// RecordCounts must not panic or abort on store errors.
	d.RecordCounts(context.Background(), map[string]int{"api": 3, "db": 1})

	got := d.IsSpike(context.Background(), "api", 100)
	assert.False(t, got.IsSpike)
	assert.False(t, got.HasEnoughData)
	assert.Equal(t, ReasonStoreUnavailable, got.Reason)

	assert.Error(t, d.Cleanup(context.Background()))
}

func TestCheckSpikes_PerService(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	seedHistory(t, mem.Stats(), "api", []int{10, 12, 8, 14, 11})
	seedHistory(t, mem.Stats(), "db", []int{2, 2, 2, 2})

	got := d.CheckSpikes(context.Background(), map[string]int{"api": 16, "db": 2, "new-svc": 9})

	require.Len(t, got, 3)
	assert.True(t, got["api"].IsSpike)
	assert.False(t, got["db"].IsSpike)
	assert.Equal(t, ReasonInsufficientData, got["new-svc"].Reason)
}

func TestWindowKey_FloorsToBucket(t *testing.T) {
	w := 5 * time.Minute
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	// Every instant inside a bucket maps to the bucket's start.
	assert.Equal(t, WindowKey(start, w), WindowKey(start.Add(4*time.Minute+59*time.Second), w))
	assert.NotEqual(t, WindowKey(start, w), WindowKey(start.Add(5*time.Minute), w))
	assert.Equal(t, "w_0", WindowKey(time.UnixMilli(0), w))
}

func TestRecordCounts_SkipsNonPositive(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())

	d.RecordCounts(context.Background(), map[string]int{"api": 5, "db": 0, "cache": -2})

	rows, err := mem.Stats().FindRecent(context.Background(), "api", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0].Count)

	rows, err = mem.Stats().FindRecent(context.Background(), "db", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCleanup_DropsExpiredRows(t *testing.T) {
	mem := store.NewMemory()
	d := newTestDetector(t, mem.Stats())
	ctx := context.Background()

	// Retention is 2 * windowSize * historyWindows = 2h with defaults.
	old := testNow.Add(-3 * time.Hour)
	require.NoError(t, mem.Stats().Upsert(ctx, "api", WindowKey(old, 5*time.Minute), 4, old))
	fresh := testNow.Add(-10 * time.Minute)
	require.NoError(t, mem.Stats().Upsert(ctx, "api", WindowKey(fresh, 5*time.Minute), 6, fresh))

	require.NoError(t, d.Cleanup(ctx))

	rows, err := mem.Stats().FindRecent(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(6), rows[0].Count)
}
