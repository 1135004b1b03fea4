// Package hub terminates agent sessions on the server side.
//
// One Hub owns every open agent connection. It authenticates the Handshake,
// persists what agents report and pushes signed commands back to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/auth"
	"github.com/plnamente/blue-taurus/internal/events"
	"github.com/plnamente/blue-taurus/internal/metrics"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/store"
)

const (
	// Retry configuration for store writes.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	failedWritesQueueSize = 1000
	failedWritesInterval  = 2 * time.Minute

	// An agent heartbeats every 10s; three missed beats drop the session.
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 4 << 20
	sendQueue    = 32
)

var (
	// ErrAgentNotConnected is returned when a command targets an agent without an open session.
	ErrAgentNotConnected = errors.New("agent not connected")
	// ErrSendQueueFull is returned when an agent is not draining its outbound frames.
	ErrSendQueueFull = errors.New("agent send queue full")
)

// Option configures a Hub.
type Option func(*Hub)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithRetryBackoff overrides the initial delay between store write attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(h *Hub) { h.backoff = d }
}

// WithReadTimeout overrides how long a silent session is kept open.
func WithReadTimeout(d time.Duration) Option {
	return func(h *Hub) { h.readTimeout = d }
}

type pendingWrite struct {
	op      string
	agentID uuid.UUID
	write   func(ctx context.Context) error
}

// Hub accepts agent websocket sessions.
type Hub struct {
	store       store.Store
	events      events.Publisher
	auth        *auth.Authenticator
	upgrader    websocket.Upgrader
	now         func() time.Time
	backoff     time.Duration
	readTimeout time.Duration

	failed chan pendingWrite

	mu     sync.RWMutex
	agents map[uuid.UUID]*agentConn
}

// New returns a Hub persisting into st and publishing reports to pub.
// A nil pub disables publishing; a nil authenticator accepts every token.
func New(st store.Store, pub events.Publisher, a *auth.Authenticator, opts ...Option) *Hub {
	if pub == nil {
		pub = events.Nop{}
	}
	if a == nil {
		a = auth.New("")
	}
	h := &Hub{
		store:       st,
		events:      pub,
		auth:        a,
		now:         time.Now,
		backoff:     initialBackoff,
		readTimeout: readTimeout,
		failed:      make(chan pendingWrite, failedWritesQueueSize),
		agents:      make(map[uuid.UUID]*agentConn),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: writeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Agents are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connected returns the ids of agents with an open session.
func (h *Hub) Connected() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether id has an open session.
func (h *Hub) IsConnected(id uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[id]
	return ok
}

// SendCommand queues a signed command for the agent's session.
func (h *Hub) SendCommand(id uuid.UUID, cmd protocol.Command) error {
	h.mu.RLock()
	conn, ok := h.agents[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, id)
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := conn.enqueue(data); err != nil {
		return err
	}
	metrics.ServerCommandsSent.WithLabelValues(string(cmd.CmdType)).Inc()
	log.Info().Str("agent_id", id.String()).Str("cmd_id", cmd.ID.String()).
		Str("cmd_type", string(cmd.CmdType)).Msg("Command sent")
	return nil
}

// ServeHTTP upgrades the request and serves the agent session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	h.serve(r.Context(), ws, r.RemoteAddr)
}

func (h *Hub) serve(ctx context.Context, ws *websocket.Conn, remote string) {
	conn := newAgentConn(ws)
	go conn.writeLoop()
	defer conn.close()

	ws.SetReadLimit(maxFrameSize)

	hs, err := h.awaitHandshake(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("Session rejected")
		return
	}
	conn.id = hs.AgentID

	h.register(conn)
	defer h.unregister(ctx, conn)

	h.persist(ctx, "upsert_agent", hs.AgentID, func(ctx context.Context) error {
		return h.store.UpsertAgent(ctx, hs.AgentID, hs.HostInfo, h.now())
	})
	if sw := hs.HostInfo.Software; len(sw) > 0 {
		h.persist(ctx, "save_inventory", hs.AgentID, func(ctx context.Context) error {
			return h.store.SaveInventory(ctx, hs.AgentID, sw, h.now())
		})
	}

	ack, err := protocol.Encode(protocol.HandshakeAck{Status: "OK", ServerTime: h.now().UTC()})
	if err == nil {
		err = conn.enqueue(ack)
	}
	if err != nil {
		log.Warn().Err(err).Str("agent_id", hs.AgentID.String()).Msg("Failed to queue handshake ack")
		return
	}
	log.Info().Str("agent_id", hs.AgentID.String()).Str("hostname", hs.HostInfo.Hostname).
		Str("remote", remote).Msg("Agent connected")

	for {
		msg, err := h.read(conn)
		if err != nil {
			log.Info().Err(err).Str("agent_id", hs.AgentID.String()).Msg("Agent disconnected")
			return
		}
		if msg == nil {
			continue
		}
		h.handle(ctx, conn, msg)
	}
}

// awaitHandshake reads until the first Handshake. Anything before it is ignored.
func (h *Hub) awaitHandshake(conn *agentConn) (protocol.Handshake, error) {
	for {
		msg, err := h.read(conn)
		if err != nil {
			return protocol.Handshake{}, err
		}
		hs, ok := msg.(protocol.Handshake)
		if !ok {
			if msg != nil {
				log.Debug().Str("type", string(msg.MessageType())).Msg("Ignoring message before handshake")
			}
			continue
		}
		if hs.AgentID == uuid.Nil {
			conn.reject("missing agent id")
			return protocol.Handshake{}, errors.New("handshake without agent id")
		}
		if _, err := h.auth.Verify(hs.Token); err != nil {
			conn.reject("invalid token")
			return protocol.Handshake{}, fmt.Errorf("agent %s: %w", hs.AgentID, err)
		}
		return hs, nil
	}
}

// read returns the next decodable message. A nil message with a nil error
// means the frame was unknown or malformed and has been skipped.
func (h *Hub) read(conn *agentConn) (protocol.Message, error) {
	if h.readTimeout > 0 {
		if err := conn.ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		if protocol.IsSoft(err) {
			log.Debug().Err(err).Msg("Skipping frame")
			return nil, nil
		}
		return nil, err
	}
	metrics.ServerMessagesReceived.WithLabelValues(string(msg.MessageType())).Inc()
	return msg, nil
}

func (h *Hub) handle(ctx context.Context, conn *agentConn, msg protocol.Message) {
	id := conn.id
	switch m := msg.(type) {
	case protocol.Heartbeat:
		if !h.sameAgent(id, m.AgentID, msg) {
			return
		}
		h.persist(ctx, "touch_agent", id, func(ctx context.Context) error {
			return h.store.TouchAgent(ctx, id, m.Timestamp)
		})
	case protocol.ComplianceReport:
		if !h.sameAgent(id, m.AgentID, msg) {
			return
		}
		metrics.ServerComplianceScores.Observe(float64(m.Report.Score))
		log.Info().Str("agent_id", id.String()).Str("policy_id", m.Report.PolicyID).
			Uint32("score", m.Report.Score).Uint32("passed", m.Report.PassedChecks).
			Uint32("total", m.Report.TotalChecks).Msg("Compliance report received")
		h.persist(ctx, "save_report", id, func(ctx context.Context) error {
			return h.store.SaveReport(ctx, id, m.Report, h.now())
		})
		if err := h.events.PublishReport(ctx, id, m.Report); err != nil {
			log.Warn().Err(err).Str("agent_id", id.String()).Msg("Failed to publish report")
		}
	case protocol.InventoryReport:
		if !h.sameAgent(id, m.AgentID, msg) {
			return
		}
		h.persist(ctx, "save_inventory", id, func(ctx context.Context) error {
			return h.store.SaveInventory(ctx, id, m.Software, h.now())
		})
	case protocol.CommandResult:
		log.Info().Str("agent_id", id.String()).Str("cmd_id", m.CmdID.String()).
			Str("status", m.Status).Msg("Command result received")
		h.persist(ctx, "save_command_result", id, func(ctx context.Context) error {
			return h.store.SaveCommandResult(ctx, id, m, h.now())
		})
	case protocol.Handshake:
		log.Debug().Str("agent_id", id.String()).Msg("Ignoring repeated handshake")
	default:
		log.Debug().Str("agent_id", id.String()).Str("type", string(msg.MessageType())).
			Msg("Ignoring message")
	}
}

func (*Hub) sameAgent(session, claimed uuid.UUID, msg protocol.Message) bool {
	if session == claimed {
		return true
	}
	log.Warn().Str("agent_id", session.String()).Str("claimed", claimed.String()).
		Str("type", string(msg.MessageType())).Msg("Ignoring message for another agent")
	return false
}

// persist writes with retries and queues the write for later when the store stays unavailable.
func (h *Hub) persist(ctx context.Context, op string, id uuid.UUID, write func(context.Context) error) {
	err := h.retryWrite(ctx, write)
	if err == nil {
		return
	}
	metrics.ServerStoreErrors.WithLabelValues(op).Inc()
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("op", op).Str("agent_id", id.String()).Msg("Store write skipped")
		return
	}
	log.Warn().Err(err).Str("op", op).Str("agent_id", id.String()).
		Msgf("Store write failed after %d retries", maxRetries)
	select {
	case h.failed <- pendingWrite{op: op, agentID: id, write: write}:
		log.Info().Str("op", op).Str("agent_id", id.String()).Msg("Write queued for retry processing")
	default:
		log.Warn().Str("op", op).Str("agent_id", id.String()).Msg("Failed writes queue is full, dropping write")
	}
}

func (h *Hub) retryWrite(ctx context.Context, write func(context.Context) error) error {
	return retry.Do(func() error {
		return write(ctx)
	},
		retry.Attempts(maxRetries),
		retry.Delay(h.backoff),
		retry.MaxDelay(maxBackoff),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, store.ErrNotFound) }),
		retry.LastErrorOnly(true),
	)
}

// ProcessFailedWrites retries queued store writes every interval until ctx is done.
func (h *Hub) ProcessFailedWrites(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = failedWritesInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.drainFailed(ctx)
		}
	}
}

func (h *Hub) drainFailed(ctx context.Context) {
	for range len(h.failed) {
		var p pendingWrite
		select {
		case p = <-h.failed:
		default:
			return
		}
		log.Info().Str("op", p.op).Str("agent_id", p.agentID.String()).Msg("Retrying failed write")
		if err := h.retryWrite(ctx, p.write); err != nil {
			log.Error().Err(err).Str("op", p.op).Str("agent_id", p.agentID.String()).Msg("Retry failed")
			select {
			case h.failed <- p:
			default:
				log.Warn().Msg("Dropping failed write - queue full")
			}
			continue
		}
		log.Info().Str("op", p.op).Str("agent_id", p.agentID.String()).Msg("Queued write saved")
	}
}

// Pending returns the number of writes waiting for retry.
func (h *Hub) Pending() int {
	return len(h.failed)
}

func (h *Hub) register(conn *agentConn) {
	h.mu.Lock()
	old := h.agents[conn.id]
	h.agents[conn.id] = conn
	n := len(h.agents)
	h.mu.Unlock()

	if old != nil {
		log.Info().Str("agent_id", conn.id.String()).Msg("Replacing existing session")
		old.close()
	}
	metrics.ServerConnectedAgents.Set(float64(n))
}

func (h *Hub) unregister(ctx context.Context, conn *agentConn) {
	h.mu.Lock()
	current, ok := h.agents[conn.id]
	replaced := ok && current != conn
	if !replaced {
		delete(h.agents, conn.id)
	}
	n := len(h.agents)
	h.mu.Unlock()

	metrics.ServerConnectedAgents.Set(float64(n))
	if replaced {
		return
	}
	// The request context is already done when the peer hung up.
	ctx = context.WithoutCancel(ctx)
	h.persist(ctx, "set_status", conn.id, func(ctx context.Context) error {
		return h.store.SetAgentStatus(ctx, conn.id, store.StatusOffline)
	})
}

// agentConn is one upgraded websocket. Only writeLoop writes to ws.
type agentConn struct {
	id        uuid.UUID
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newAgentConn(ws *websocket.Conn) *agentConn {
	return &agentConn{
		ws:   ws,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

func (c *agentConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("Websocket write failed")
				c.close()
				return
			}
		}
	}
}

func (c *agentConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrAgentNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrAgentNotConnected
	default:
		return ErrSendQueueFull
	}
}

// reject sends a policy-violation close frame before the connection is torn down.
func (c *agentConn) reject(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // best effort before close
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close() //nolint:errcheck // nothing to do on close failure
	})
}
