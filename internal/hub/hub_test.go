package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/incident-service/internal/model"
)

type recordSink struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	fail   bool
}

func (r *recordSink) WriteFrame(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordSink) typesSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func (r *recordSink) countType(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func (r *recordSink) lastOfType(typ string) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Type == typ {
			return r.frames[i], true
		}
	}
	return Frame{}, false
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(Config{PingInterval: time.Minute}, nil, zaptest.NewLogger(t))
}

func waitType(t *testing.T, sink *recordSink, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sink.countType(typ) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %q frames", n, typ)
}

func TestAttach_SendsGreeting(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{}

	s := h.Attach(sink)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, 1, h.SessionCount())

	waitType(t, sink, FrameConnection, 1)
}

func TestPublishEvent_ChannelFiltering(t *testing.T) {
	h := newTestHub(t)

	allSink := &recordSink{}
	all := h.Attach(allSink)
	_ = all // default subscription is "all"

	apiSink := &recordSink{}
	api := h.Attach(apiSink)
	h.Subscribe(api, []string{"api"})

	dbSink := &recordSink{}
	db := h.Attach(dbSink)
	h.Subscribe(db, []string{"db"})

	h.PublishEvent(model.Event{ID: "evt-1", Service: "api", Severity: 3})

	waitType(t, allSink, FrameEvent, 1)
	waitType(t, apiSink, FrameEvent, 1)

	// The db session must never see it.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, dbSink.countType(FrameEvent))
}

func TestSubscribe_ReplacementSemantics(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{}
	s := h.Attach(sink)

	h.Subscribe(s, []string{"api", "db"})
	assert.ElementsMatch(t, []string{"api", "db"}, s.Channels())

	// A second subscribe replaces, never merges.
	h.Subscribe(s, []string{"cache"})
	assert.ElementsMatch(t, []string{"cache"}, s.Channels())

	// Empty list falls back to everything.
	h.Subscribe(s, nil)
	assert.ElementsMatch(t, []string{ChannelAll}, s.Channels())

	waitType(t, sink, FrameSubscribed, 3)
}

func TestPauseResume_SuppressesEventsOnly(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{}
	s := h.Attach(sink)
	waitType(t, sink, FrameConnection, 1)

	h.Pause(s)
	h.PublishEvent(model.Event{ID: "evt-1", Service: "api"})
	h.PublishEvent(model.Event{ID: "evt-2", Service: "api"})

	// Control replies keep flowing while paused.
	h.HandleControl(s, []byte(`{"type":"ping"}`))
	waitType(t, sink, FramePong, 1)

	h.Resume(s)
	waitType(t, sink, FrameResumed, 1)

	resumed, ok := sink.lastOfType(FrameResumed)
	require.True(t, ok)
	assert.Equal(t, 2, resumed.Suppressed)
	assert.Zero(t, sink.countType(FrameEvent))
}

func TestPublishIncident_PausedSessionsSkipped(t *testing.T) {
	h := newTestHub(t)
	liveSink := &recordSink{}
	live := h.Attach(liveSink)
	_ = live
	pausedSink := &recordSink{}
	paused := h.Attach(pausedSink)
	h.Pause(paused)

	h.PublishIncident(model.Incident{ID: "inc-1", Status: model.StatusActive}, ActionUpdated)

	waitType(t, liveSink, FrameIncident, 1)
	got, ok := liveSink.lastOfType(FrameIncident)
	require.True(t, ok)
	assert.Equal(t, ActionUpdated, got.Action)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, pausedSink.countType(FrameIncident))
}

func TestHandleControl(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{}
	s := h.Attach(sink)

	h.HandleControl(s, []byte(`{"type":"subscribe","channels":["api"]}`))
	assert.ElementsMatch(t, []string{"api"}, s.Channels())

	h.HandleControl(s, []byte(`{"type":"ping"}`))
	waitType(t, sink, FramePong, 1)

	h.HandleControl(s, []byte(`{"type":"warp"}`))
	waitType(t, sink, FrameError, 1)
	assert.Equal(t, 1, h.SessionCount(), "unknown types must not terminate the session")

	h.HandleControl(s, []byte(`not json`))
	waitType(t, sink, FrameError, 2)
}

func TestBrokenSink_DetachesSession(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{fail: true}
	s := h.Attach(sink)

	// The greeting write fails and detaches the session.
	require.Eventually(t, func() bool {
		return h.SessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)

	// Publishing to a detached session is a no-op.
	h.PublishEvent(model.Event{ID: "evt-1", Service: "api"})
	_ = s
}

func TestHeartbeat_ReapsSilentSessions(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{}
	s := h.Attach(sink)

	// Move the clock past two ping intervals without any client traffic.
	base := time.Now()
	h.now = func() time.Time { return base.Add(3 * time.Minute) }
	h.heartbeat()

	assert.Zero(t, h.SessionCount())
	_ = s
}

func TestHeartbeat_PingsLiveSessions(t *testing.T) {
	h := newTestHub(t)
	sink := &recordSink{}
	s := h.Attach(sink)

	h.HandleControl(s, []byte(`{"type":"ping"}`))
	h.heartbeat()

	waitType(t, sink, FramePing, 1)
	assert.Equal(t, 1, h.SessionCount())
}

type recordRelay struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordRelay) RelayIncident(action string, _ model.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func TestPublishIncident_ForwardsToRelay(t *testing.T) {
	relay := &recordRelay{}
	h := New(Config{PingInterval: time.Minute}, relay, zaptest.NewLogger(t))

	h.PublishIncident(model.Incident{ID: "inc-1"}, ActionSummaryUpdated)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, []string{ActionSummaryUpdated}, relay.actions)
}

func TestCloseAll(t *testing.T) {
	h := newTestHub(t)
	sinks := []*recordSink{{}, {}, {}}
	for _, s := range sinks {
		h.Attach(s)
	}

	h.CloseAll()

	assert.Zero(t, h.SessionCount())
	for _, s := range sinks {
		s.mu.Lock()
		assert.True(t, s.closed)
		s.mu.Unlock()
	}
}
