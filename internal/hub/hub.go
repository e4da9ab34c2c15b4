// Package hub implements the realtime fan-out fabric. Each subscriber is a
// session actor with a bounded outbound channel; publishers offer frames
// without blocking and sessions that cannot keep up are closed rather than
// stalling the hub.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/model"
)

// Frame types on the wire.
const (
	FrameConnection = "connection"
	FrameEvent      = "event"
	FrameIncident   = "incident"
	FrameSubscribed = "subscribed"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameResumed    = "resumed"
	FrameError      = "error"
)

// Incident actions carried on incident frames.
const (
	ActionCreated        = "created"
	ActionUpdated        = "updated"
	ActionSummaryUpdated = "summary_updated"
	ActionResolved       = "resolved"
)

// ChannelAll subscribes a session to every service.
const ChannelAll = "all"

// Frame is one message to a subscriber.
type Frame struct {
	Type       string    `json:"type"`
	Action     string    `json:"action,omitempty"`
	Message    string    `json:"message,omitempty"`
	Channels   []string  `json:"channels,omitempty"`
	Data       any       `json:"data,omitempty"`
	Suppressed int       `json:"suppressedEvents,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink is the outbound half of a subscriber connection.
type Sink interface {
	WriteFrame(Frame) error
	Close() error
}

// Relay receives every incident publication for cross-instance fan-out.
// Implementations must not block.
type Relay interface {
	RelayIncident(action string, inc model.Incident)
}

// sendBuffer bounds each session's outbound channel. Overflow closes the
// session.
const sendBuffer = 256

// Session is one attached subscriber.
type Session struct {
	ID string

	hub  *Hub
	sink Sink
	send chan Frame
	done chan struct{}

	mu         sync.Mutex
	channels   map[string]struct{}
	paused     bool
	suppressed int
	lastSeen   time.Time
}

// wantsService reports whether the session's channels cover service.
func (s *Session) wantsService(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ChannelAll]; ok {
		return true
	}
	_, ok := s.channels[service]
	return ok
}

// Channels returns the session's current channel set.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// writer drains the session's channel into the sink until the session is
// detached or the sink fails.
func (s *Session) writer() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			if err := s.sink.WriteFrame(f); err != nil {
				s.hub.logger.Debug("sink write failed, detaching session",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
				s.hub.Detach(s)
				return
			}
		}
	}
}

// Config holds the hub knobs.
type Config struct {
	// PingInterval is the heartbeat period. Sessions silent for two
	// intervals are reaped.
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Hub is the subscriber registry and fan-out point.
type Hub struct {
	cfg    Config
	relay  Relay
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	now func() time.Time
}

// New creates a Hub. relay may be nil.
func New(cfg Config, relay Relay, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		relay:    relay,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Attach registers a sink, starts its session actor, and sends the greeting.
func (h *Hub) Attach(sink Sink) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		hub:      h,
		sink:     sink,
		send:     make(chan Frame, sendBuffer),
		done:     make(chan struct{}),
		channels: map[string]struct{}{ChannelAll: {}},
		lastSeen: h.now(),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	go s.writer()

	h.offer(s, Frame{
		Type:      FrameConnection,
		Message:   "connected to incident stream",
		Timestamp: h.now(),
	})
	h.logger.Debug("session attached", zap.String("session_id", s.ID))
	return s
}

// Detach removes the session and closes its sink. Safe to call more than
// once.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if !present {
		return
	}

	close(s.done)
	_ = s.sink.Close()
	h.logger.Debug("session detached", zap.String("session_id", s.ID))
}

// Subscribe replaces the session's channel set. An empty list subscribes to
// everything.
func (h *Hub) Subscribe(s *Session, channels []string) {
	if len(channels) == 0 {
		channels = []string{ChannelAll}
	}
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch] = struct{}{}
	}

	s.mu.Lock()
	s.channels = set
	s.mu.Unlock()

	h.offer(s, Frame{Type: FrameSubscribed, Channels: channels, Timestamp: h.now()})
}

// Pause suppresses event frames for the session. Incident and control frames
// still deliver.
func (h *Hub) Pause(s *Session) {
	s.mu.Lock()
	s.paused = true
	s.suppressed = 0
	s.mu.Unlock()
}

// Resume lifts the pause and tells the client how many event frames it
// missed.
func (h *Hub) Resume(s *Session) {
	s.mu.Lock()
	wasPaused := s.paused
	suppressed := s.suppressed
	s.paused = false
	s.suppressed = 0
	s.mu.Unlock()

	if wasPaused {
		h.offer(s, Frame{Type: FrameResumed, Suppressed: suppressed, Timestamp: h.now()})
	}
}

// PublishEvent fans an event out to every non-paused session subscribed to
// its service.
func (h *Hub) PublishEvent(e model.Event) {
	frame := Frame{Type: FrameEvent, Data: e, Timestamp: h.now()}

	for _, s := range h.snapshot() {
		if !s.wantsService(e.Service) {
			continue
		}
		s.mu.Lock()
		paused := s.paused
		if paused {
			s.suppressed++
		}
		s.mu.Unlock()
		if paused {
			continue
		}
		h.offer(s, frame)
	}
}

// PublishIncident fans an incident mutation out to every non-paused session
// regardless of channels, and hands it to the relay when one is configured.
func (h *Hub) PublishIncident(inc model.Incident, action string) {
	frame := Frame{Type: FrameIncident, Action: action, Data: inc, Timestamp: h.now()}

	for _, s := range h.snapshot() {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}
		h.offer(s, frame)
	}

	if h.relay != nil {
		h.relay.RelayIncident(action, inc)
	}
}

// controlMessage is the client-to-server frame shape.
type controlMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// HandleControl processes one raw client frame.
func (h *Hub) HandleControl(s *Session, raw []byte) {
	s.mu.Lock()
	s.lastSeen = h.now()
	s.mu.Unlock()

	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.offer(s, Frame{Type: FrameError, Message: "malformed control message", Timestamp: h.now()})
		return
	}

	switch msg.Type {
	case "subscribe":
		h.Subscribe(s, msg.Channels)
	case "ping":
		h.offer(s, Frame{Type: FramePong, Timestamp: h.now()})
	case "pause":
		h.Pause(s)
	case "resume":
		h.Resume(s)
	default:
		h.offer(s, Frame{Type: FrameError, Message: "unknown message type: " + msg.Type, Timestamp: h.now()})
	}
}

// Run drives the heartbeat cycle until ctx is cancelled, then closes every
// session.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat pings live sessions and reaps those silent for two intervals.
func (h *Hub) heartbeat() {
	now := h.now()
	cutoff := now.Add(-2 * h.cfg.PingInterval)

	for _, s := range h.snapshot() {
		s.mu.Lock()
		last := s.lastSeen
		s.mu.Unlock()
		if last.Before(cutoff) {
			h.logger.Info("reaping unresponsive session", zap.String("session_id", s.ID))
			h.Detach(s)
			continue
		}
		h.offer(s, Frame{Type: FramePing, Timestamp: now})
	}
}

// CloseAll detaches every session.
func (h *Hub) CloseAll() {
	for _, s := range h.snapshot() {
		h.Detach(s)
	}
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// offer enqueues without blocking; a full outbound buffer means the session
// cannot keep up and is closed.
func (h *Hub) offer(s *Session, f Frame) {
	select {
	case s.send <- f:
	default:
		h.logger.Warn("session outbound buffer overflow, closing",
			zap.String("session_id", s.ID),
		)
		h.Detach(s)
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}
