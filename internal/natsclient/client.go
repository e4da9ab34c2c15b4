// Package natsclient wraps the NATS JetStream connection used for the
// secondary event ingest path and the cross-instance incident frame relay.
package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamEventIngest buffers events published by producers that speak
	// NATS instead of HTTP.
	StreamEventIngest = "EVENT_INGEST"
	// SubjectEventIngest is the wildcard subject for ingested events.
	SubjectEventIngest = "EVENTS.ingest.>"

	// StreamIncidentFrames carries incident mutations for other instances'
	// broadcast hubs.
	StreamIncidentFrames = "INCIDENT_FRAMES"
	// SubjectIncidentFrames is the wildcard subject for relayed frames.
	SubjectIncidentFrames = "INCIDENTS.frames.>"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initialises a JetStream context.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// ProvisionStreams idempotently creates the ingest and relay streams.
func (c *Client) ProvisionStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      StreamEventIngest,
			Subjects:  []string{SubjectEventIngest},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      StreamIncidentFrames,
			Subjects:  []string{SubjectIncidentFrames},
			Storage:   nats.MemoryStorage,
			Retention: nats.LimitsPolicy,
		},
	}

	for _, cfg := range streams {
		_, err := c.JS.StreamInfo(cfg.Name)
		if err == nil {
			c.Log.Info("NATS stream exists", zap.String("stream", cfg.Name))
			continue
		}
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to check stream info: %w", err)
		}
		if _, err := c.JS.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.Log.Info("NATS stream provisioned", zap.String("stream", cfg.Name))
	}
	return nil
}

// Close drains and closes the underlying NATS connection. Drain flushes
// pending publishes and in-flight deliveries before closing.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
