// Package relay bridges the broadcast hub and the event queue to NATS
// JetStream: incident mutations fan out to peer instances, and events
// published on the ingest subject flow into the queue alongside HTTP
// ingestion.
package relay

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/model"
	"github.com/arc-self/incident-service/internal/natsclient"
)

// frameEnvelope is the relayed incident mutation payload.
type frameEnvelope struct {
	Action    string         `json:"action"`
	Incident  model.Incident `json:"incident"`
	Timestamp time.Time      `json:"timestamp"`
}

// IncidentRelay publishes incident mutations to the frame stream. It
// satisfies the hub's Relay contract and never blocks the publisher.
type IncidentRelay struct {
	nc     *natsclient.Client
	logger *zap.Logger
}

// NewIncidentRelay creates the relay.
func NewIncidentRelay(nc *natsclient.Client, logger *zap.Logger) *IncidentRelay {
	return &IncidentRelay{nc: nc, logger: logger}
}

// RelayIncident publishes the mutation asynchronously; delivery failures are
// logged, not surfaced, because local subscribers already got the frame.
func (r *IncidentRelay) RelayIncident(action string, inc model.Incident) {
	payload, err := json.Marshal(frameEnvelope{
		Action:    action,
		Incident:  inc,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("frame marshal failed", zap.String("incident_id", inc.ID), zap.Error(err))
		return
	}

	subject := "INCIDENTS.frames." + action
	if _, err := r.nc.JS.PublishAsync(subject, payload); err != nil {
		r.logger.Warn("frame relay publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
