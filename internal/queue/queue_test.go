package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/store"
)

func makeEvents(n int) []model.Event {
	events := make([]model.Event, n)
	for i := range events {
		events[i] = model.Event{
			ID:        fmt.Sprintf("evt-%d", i),
			Service:   "api",
			Severity:  2,
			Timestamp: time.Now(),
		}
	}
	return events
}

func TestEnqueue_RejectsBeyondBound(t *testing.T) {
	mem := store.NewMemory()
	q := New(mem.Events(), nil, Config{MaxSize: 3}, zaptest.NewLogger(t))

	// No drainer running: the fourth and fifth events hit the bound.
	res := q.Enqueue(makeEvents(5))

	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 3, q.Size())
	assert.InDelta(t, 1.0, q.Utilization(), 1e-9)
	assert.True(t, q.UnderPressure(0.9))

	snap := q.Snapshot()
	assert.Equal(t, int64(3), snap.Accepted)
	assert.Equal(t, int64(2), snap.RejectedFull)
}

func TestRun_DrainsToStoreAndBroadcasts(t *testing.T) {
	mem := store.NewMemory()

	var mu sync.Mutex
	var published []model.Event
	broadcast := func(batch []model.Event) {
		mu.Lock()
		published = append(published, batch...)
		mu.Unlock()
	}

	cfg := Config{
		MaxSize:            100,
		InsertBatchSize:    4,
		InsertInterval:     20 * time.Millisecond,
		BroadcastBatchSize: 2,
		BroadcastInterval:  10 * time.Millisecond,
	}
	q := New(mem.Events(), broadcast, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	res := q.Enqueue(makeEvents(10))
	require.Equal(t, 10, res.Accepted)

	require.Eventually(t, func() bool {
		_, total, err := mem.Events().List(context.Background(), store.EventFilter{})
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		return total == 10 && len(published) == 10
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, q.Size())
}

func TestRun_FinalDrainOnShutdown(t *testing.T) {
	mem := store.NewMemory()
	cfg := Config{
		MaxSize: 100,
		// Long intervals so only the shutdown drain can flush.
		InsertInterval:    time.Hour,
		BroadcastInterval: time.Hour,
		InsertBatchSize:   1000,
	}
	q := New(mem.Events(), nil, cfg, zaptest.NewLogger(t))
	q.Enqueue(makeEvents(7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	_, total, err := mem.Events().List(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

type failingEventStore struct {
	store.EventStore
}

func (failingEventStore) InsertMany(context.Context, []model.Event) (store.InsertResult, error) {
	return store.InsertResult{}, errors.New("connection refused")
}

func TestRun_DropsBatchOnInsertFailure(t *testing.T) {
	var mu sync.Mutex
	published := 0
	broadcast := func(batch []model.Event) {
		mu.Lock()
		published += len(batch)
		mu.Unlock()
	}

	cfg := Config{MaxSize: 100, InsertBatchSize: 5, InsertInterval: 10 * time.Millisecond, BroadcastInterval: 10 * time.Millisecond}
	q := New(failingEventStore{}, broadcast, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Enqueue(makeEvents(5))

	require.Eventually(t, func() bool {
		return q.Snapshot().DroppedInsert == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// Failed batches never reach the broadcast stage.
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, published)
}

func TestEnqueue_DuplicateIDsCountedNotFatal(t *testing.T) {
	mem := store.NewMemory()
	q := New(mem.Events(), nil, Config{MaxSize: 100, InsertInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	events := makeEvents(3)
	events[2].ID = events[0].ID
	q.Enqueue(events)

	require.Eventually(t, func() bool {
		_, total, err := mem.Events().List(context.Background(), store.EventFilter{})
		require.NoError(t, err)
		return total == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
