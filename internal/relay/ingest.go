package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/natsclient"
	"github.com/arc-self/incident-service/internal/queue"
)

const (
	durableName  = "incident-ingest-consumer"
	fetchBatch   = 50
	fetchTimeout = 5 * time.Second
)

// IngestConsumer pulls events off the ingest stream and feeds them through
// the same bounded queue as HTTP ingestion.
type IngestConsumer struct {
	nc     *natsclient.Client
	queue  *queue.Queue
	logger *zap.Logger
}

// NewIngestConsumer creates the consumer.
func NewIngestConsumer(nc *natsclient.Client, q *queue.Queue, logger *zap.Logger) *IngestConsumer {
	return &IngestConsumer{nc: nc, queue: q, logger: logger}
}

// Start subscribes as a durable pull consumer and processes messages until
// ctx is cancelled.
func (c *IngestConsumer) Start(ctx context.Context) error {
	sub, err := c.nc.JS.PullSubscribe(
		natsclient.SubjectEventIngest,
		durableName,
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return err
	}

	c.logger.Info("event ingest consumer started",
		zap.String("subject", natsclient.SubjectEventIngest),
		zap.String("durable", durableName),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("event ingest consumer stopping")
				return
			default:
			}

			msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
			if err != nil {
				// Timeout is expected when there are no messages.
				if err == nats.ErrTimeout {
					continue
				}
				c.logger.Error("fetch error", zap.Error(err))
				continue
			}

			for _, msg := range msgs {
				c.processMessage(msg)
			}
		}
	}()

	return nil
}

// ingestPayload is the wire shape producers publish. Only service and
// severity are required.
type ingestPayload struct {
	EventID   string         `json:"eventId"`
	Service   string         `json:"service"`
	Severity  int            `json:"severity"`
	Timestamp *time.Time     `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
	Tags      []string       `json:"tags"`
}

var (
	errMalformed = errors.New("malformed payload")
	errQueueFull = errors.New("queue full")
)

func (c *IngestConsumer) processMessage(msg *nats.Msg) {
	switch err := c.handlePayload(msg.Data); {
	case err == nil:
		msg.Ack()
	case errors.Is(err, errQueueFull):
		// Leave the message for redelivery once pressure eases.
		msg.Nak()
	default:
		// Poison pill: redelivery cannot fix a malformed payload.
		c.logger.Warn("terminating ingest message",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		msg.Term()
	}
}

// handlePayload decodes one ingest payload and admits it to the queue.
func (c *IngestConsumer) handlePayload(data []byte) error {
	var p ingestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.Service == "" {
		return fmt.Errorf("%w: missing service", errMalformed)
	}

	e := model.Event{
		ID:        p.EventID,
		Service:   p.Service,
		Severity:  model.ClampSeverity(p.Severity),
		Metadata:  p.Metadata,
		Tags:      p.Tags,
		Timestamp: time.Now().UTC(),
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if p.Timestamp != nil {
		e.Timestamp = p.Timestamp.UTC()
	}

	if res := c.queue.Enqueue([]model.Event{e}); res.Rejected > 0 {
		return errQueueFull
	}
	return nil
}
