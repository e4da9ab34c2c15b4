// Package queue implements the bounded ingest buffer between the HTTP/NATS
// intake and the event store. Writes are admitted without blocking the
// caller, batched for bulk insert, and staged for realtime broadcast only
// after they have landed in the store.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/store"
)

// Config holds the queue tuning knobs.
type Config struct {
	// MaxSize bounds the number of buffered events awaiting insert.
	MaxSize int
	// InsertBatchSize is the bulk-insert batch cap.
	InsertBatchSize int
	// InsertInterval flushes a partial insert batch after this long.
	InsertInterval time.Duration
	// BroadcastBatchSize is the broadcast staging cap.
	BroadcastBatchSize int
	// BroadcastInterval flushes a partial broadcast batch after this long.
	BroadcastInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:            10000,
		InsertBatchSize:    100,
		InsertInterval:     time.Second,
		BroadcastBatchSize: 10,
		BroadcastInterval:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = 100
	}
	if c.InsertInterval <= 0 {
		c.InsertInterval = time.Second
	}
	if c.BroadcastBatchSize <= 0 {
		c.BroadcastBatchSize = 10
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 100 * time.Millisecond
	}
	return c
}

// EnqueueResult reports how an enqueue attempt fared against the bound.
type EnqueueResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Metrics is a point-in-time snapshot of the queue counters.
type Metrics struct {
	Accepted      int64   `json:"accepted"`
	RejectedFull  int64   `json:"rejectedFull"`
	DroppedInsert int64   `json:"droppedInsert"`
	Depth         int     `json:"depth"`
	Utilization   float64 `json:"utilization"`
}

// Queue is the bounded ingest buffer. One drainer goroutine owns the batch
// buffers; everything the callers touch is the channel and the counters.
type Queue struct {
	cfg       Config
	events    store.EventStore
	broadcast func([]model.Event)
	logger    *zap.Logger

	ch chan model.Event

	accepted      atomic.Int64
	rejectedFull  atomic.Int64
	droppedInsert atomic.Int64
}

// New creates a Queue writing to events. broadcast receives each batch after
// it has been persisted; pass nil to disable staging.
func New(events store.EventStore, broadcast func([]model.Event), cfg Config, logger *zap.Logger) *Queue {
	cfg = cfg.withDefaults()
	if broadcast == nil {
		broadcast = func([]model.Event) {}
	}
	return &Queue{
		cfg:       cfg,
		events:    events,
		broadcast: broadcast,
		logger:    logger,
		ch:        make(chan model.Event, cfg.MaxSize),
	}
}

// Enqueue admits as many of the given events as the bound allows, never
// blocking. Rejected events are counted and dropped.
func (q *Queue) Enqueue(events []model.Event) EnqueueResult {
	var res EnqueueResult
	for _, e := range events {
		select {
		case q.ch <- e:
			res.Accepted++
		default:
			res.Rejected++
		}
	}
	q.accepted.Add(int64(res.Accepted))
	q.rejectedFull.Add(int64(res.Rejected))
	return res
}

// Size returns the current buffered depth.
func (q *Queue) Size() int { return len(q.ch) }

// Utilization returns the buffered depth as a fraction of the bound.
func (q *Queue) Utilization() float64 {
	return float64(len(q.ch)) / float64(q.cfg.MaxSize)
}

// UnderPressure reports whether utilization is at or above the threshold.
func (q *Queue) UnderPressure(threshold float64) bool {
	return q.Utilization() >= threshold
}

// Snapshot returns the current counters.
func (q *Queue) Snapshot() Metrics {
	return Metrics{
		Accepted:      q.accepted.Load(),
		RejectedFull:  q.rejectedFull.Load(),
		DroppedInsert: q.droppedInsert.Load(),
		Depth:         q.Size(),
		Utilization:   q.Utilization(),
	}
}

// Run drains the queue until ctx is cancelled, then performs a final drain so
// events admitted before shutdown still land. Call it from exactly one
// goroutine.
func (q *Queue) Run(ctx context.Context) {
	insertTicker := time.NewTicker(q.cfg.InsertInterval)
	defer insertTicker.Stop()
	broadcastTicker := time.NewTicker(q.cfg.BroadcastInterval)
	defer broadcastTicker.Stop()

	var insertBuf, bcastBuf []model.Event

	flushInsert := func() {
		if len(insertBuf) == 0 {
			return
		}
		batch := insertBuf
		insertBuf = nil
		if !q.insert(batch) {
			return
		}
		bcastBuf = append(bcastBuf, batch...)
	}
	flushBroadcast := func() {
		if len(bcastBuf) == 0 {
			return
		}
		q.broadcast(bcastBuf)
		bcastBuf = nil
	}

	for {
		select {
		case <-ctx.Done():
			q.drainRemaining(&insertBuf)
			flushInsert()
			flushBroadcast()
			return
		case e := <-q.ch:
			insertBuf = append(insertBuf, e)
			if len(insertBuf) >= q.cfg.InsertBatchSize {
				flushInsert()
			}
			if len(bcastBuf) >= q.cfg.BroadcastBatchSize {
				flushBroadcast()
			}
		case <-insertTicker.C:
			flushInsert()
		case <-broadcastTicker.C:
			flushBroadcast()
		}
	}
}

// insert bulk-writes one batch. A failed batch is dropped and counted rather
// than retried; the intake must keep moving.
func (q *Queue) insert(batch []model.Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := q.events.InsertMany(ctx, batch)
	if err != nil {
		q.droppedInsert.Add(int64(len(batch)))
		q.logger.Error("event batch insert failed, dropping batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return false
	}
	if res.Duplicates > 0 {
		q.logger.Debug("duplicate events skipped", zap.Int("duplicates", res.Duplicates))
	}
	return true
}

func (q *Queue) drainRemaining(buf *[]model.Event) {
	for {
		select {
		case e := <-q.ch:
			*buf = append(*buf, e)
		default:
			return
		}
	}
}
