package hub

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plnamente/blue-taurus/internal/auth"
	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/events"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/store"
)

const waitTimeout = 3 * time.Second

// memStore records writes; failing makes every write return an error.
type memStore struct {
	mu       sync.Mutex
	failing  bool
	agents   map[uuid.UUID]*store.Agent
	reports  map[uuid.UUID]compliance.Report
	software map[uuid.UUID][]protocol.SoftwareInfo
	results  []protocol.CommandResult
	touches  int
}

func newMemStore() *memStore {
	return &memStore{
		agents:   make(map[uuid.UUID]*store.Agent),
		reports:  make(map[uuid.UUID]compliance.Report),
		software: make(map[uuid.UUID][]protocol.SoftwareInfo),
	}
}

var errDown = errors.New("store down")

func (s *memStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *memStore) UpsertAgent(_ context.Context, id uuid.UUID, info protocol.HostInfo, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errDown
	}
	s.agents[id] = &store.Agent{ID: id, Hostname: info.Hostname, OSName: info.OSName, Status: store.StatusOnline, LastSeen: at, HostInfo: info}
	return nil
}

func (s *memStore) TouchAgent(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errDown
	}
	a, ok := s.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.LastSeen = at
	s.touches++
	return nil
}

func (s *memStore) SetAgentStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errDown
	}
	a, ok := s.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *memStore) SaveReport(_ context.Context, id uuid.UUID, r compliance.Report, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errDown
	}
	s.reports[id] = r
	return nil
}

func (s *memStore) SaveInventory(_ context.Context, id uuid.UUID, sw []protocol.SoftwareInfo, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errDown
	}
	s.software[id] = sw
	return nil
}

func (s *memStore) SaveCommandResult(_ context.Context, _ uuid.UUID, res protocol.CommandResult, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errDown
	}
	s.results = append(s.results, res)
	return nil
}

func (*memStore) ListAgents(context.Context) ([]store.Agent, error) { return nil, nil }

func (s *memStore) GetAgent(_ context.Context, id uuid.UUID) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) LatestReport(_ context.Context, id uuid.UUID) (*store.ReportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.ReportRecord{AgentID: id, Report: r}, nil
}

func (s *memStore) Inventory(_ context.Context, id uuid.UUID) ([]protocol.SoftwareInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.software[id], nil
}

func (*memStore) DeleteAgent(context.Context, uuid.UUID) error { return nil }
func (*memStore) Close() error                                 { return nil }

func (s *memStore) agentStatus(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		return a.Status
	}
	return ""
}

type harness struct {
	hub   *Hub
	store *memStore
	pub   *events.Memory
	url   string
}

func newHarness(t *testing.T, a *auth.Authenticator) *harness {
	t.Helper()
	st := newMemStore()
	pub := &events.Memory{}
	h := New(st, pub, a, WithRetryBackoff(time.Millisecond))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &harness{
		hub:   h,
		store: st,
		pub:   pub,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func receive(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

func handshake(t *testing.T, c *websocket.Conn, id uuid.UUID, token string) {
	t.Helper()
	send(t, c, protocol.Handshake{
		AgentID:  id,
		HostInfo: protocol.HostInfo{Hostname: "web-01", OSName: "Ubuntu"},
		Token:    token,
	})
	ack, ok := receive(t, c).(protocol.HandshakeAck)
	require.True(t, ok, "expected HandshakeAck")
	assert.Equal(t, "OK", ack.Status)
}

func TestHandshakeRegistersAgent(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)

	handshake(t, c, id, "dev-token")

	assert.True(t, h.hub.IsConnected(id))
	assert.Equal(t, []uuid.UUID{id}, h.hub.Connected())
	agent, err := h.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "web-01", agent.Hostname)
	assert.Equal(t, store.StatusOnline, agent.Status)
}

func TestHandshakeSoftwareIsStoredAsInventory(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)

	software := []protocol.SoftwareInfo{{Name: "openssl", Version: "3.0.2"}, {Name: "curl", Version: "8.5.0"}}
	send(t, c, protocol.Handshake{
		AgentID:  id,
		HostInfo: protocol.HostInfo{Hostname: "web-01", Software: software},
	})
	_, ok := receive(t, c).(protocol.HandshakeAck)
	require.True(t, ok, "expected HandshakeAck")

	sw, err := h.store.Inventory(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, software, sw)
}

func TestReportsArePersistedAndPublished(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)
	handshake(t, c, id, "")

	report := compliance.NewReport("cis-ubuntu", []compliance.CheckResult{
		{RuleID: 1, Title: "ssh", Status: compliance.StatusPass},
		{RuleID: 2, Title: "fw", Status: compliance.StatusFail},
	})
	send(t, c, protocol.ComplianceReport{AgentID: id, Report: report})
	send(t, c, protocol.InventoryReport{AgentID: id, Software: []protocol.SoftwareInfo{{Name: "openssl", Version: "3.0.2"}}})
	send(t, c, protocol.Heartbeat{AgentID: id, Timestamp: time.Now()})
	send(t, c, protocol.CommandResult{CmdID: uuid.New(), Status: "SUCCESS", Stdout: "ok"})

	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.touches == 1 && len(h.store.results) == 1
	}, waitTimeout, 10*time.Millisecond)

	rec, err := h.store.LatestReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), rec.Report.Score)
	sw, err := h.store.Inventory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sw, 1)
	assert.Equal(t, "openssl", sw[0].Name)

	docs := h.pub.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].AgentID)
	assert.Equal(t, "cis-ubuntu", docs[0].PolicyID)
}

func TestMessagesForAnotherAgentAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)
	handshake(t, c, id, "")

	send(t, c, protocol.ComplianceReport{AgentID: uuid.New(), Report: compliance.NewReport("p", nil)})
	send(t, c, protocol.Heartbeat{AgentID: id, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.touches == 1
	}, waitTimeout, 10*time.Millisecond)
	_, err := h.store.LatestReport(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.pub.Documents())
}

func TestUnknownFramesAreSkipped(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Telemetry","payload":{}}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	handshake(t, c, id, "")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Mystery","payload":{"x":1}}`)))
	send(t, c, protocol.Heartbeat{AgentID: id, Timestamp: time.Now()})
	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.touches == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.True(t, h.hub.IsConnected(id))
}

func TestInvalidTokenIsRejected(t *testing.T) {
	a := auth.New("enroll-secret")
	h := newHarness(t, a)
	id := uuid.New()
	c := h.dial(t)

	send(t, c, protocol.Handshake{AgentID: id, Token: "forged"})

	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.False(t, h.hub.IsConnected(id))
	_, err = h.store.GetAgent(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidTokenIsAccepted(t *testing.T) {
	a := auth.New("enroll-secret")
	token, err := a.Issue("fleet", time.Hour)
	require.NoError(t, err)
	h := newHarness(t, a)
	id := uuid.New()

	handshake(t, h.dial(t), id, token)
	assert.True(t, h.hub.IsConnected(id))
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)
	handshake(t, c, id, "")

	args := "echo hi"
	cmd := protocol.Command{ID: uuid.New(), CmdType: protocol.RunScript, Args: &args, Signature: "00"}
	require.NoError(t, h.hub.SendCommand(id, cmd))

	got, ok := receive(t, c).(protocol.Command)
	require.True(t, ok, "expected Command")
	assert.Equal(t, cmd.ID, got.ID)
	assert.Equal(t, "echo hi", got.ArgsOrEmpty())

	err := h.hub.SendCommand(uuid.New(), cmd)
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestDisconnectMarksAgentOffline(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)
	handshake(t, c, id, "")

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return !h.hub.IsConnected(id) && h.store.agentStatus(id) == store.StatusOffline
	}, waitTimeout, 10*time.Millisecond)
}

func TestReconnectReplacesSession(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	first := h.dial(t)
	handshake(t, first, id, "")

	second := h.dial(t)
	handshake(t, second, id, "")

	// The first socket is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	assert.True(t, h.hub.IsConnected(id))
	assert.Equal(t, store.StatusOnline, h.store.agentStatus(id))
}

func TestFailedWritesAreQueuedAndRetried(t *testing.T) {
	h := newHarness(t, nil)
	id := uuid.New()
	c := h.dial(t)
	handshake(t, c, id, "")

	h.store.setFailing(true)
	send(t, c, protocol.ComplianceReport{AgentID: id, Report: compliance.NewReport("p", nil)})
	require.Eventually(t, func() bool { return h.hub.Pending() == 1 }, waitTimeout, 10*time.Millisecond)

	h.store.setFailing(false)
	h.hub.drainFailed(context.Background())

	assert.Equal(t, 0, h.hub.Pending())
	_, err := h.store.LatestReport(context.Background(), id)
	assert.NoError(t, err)
}
