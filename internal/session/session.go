// Package session runs the agent side of the agent/server protocol: connect,
// handshake, heartbeat, authenticated command dispatch and reconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/command"
	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/metrics"
	"github.com/plnamente/blue-taurus/internal/protocol"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectBackoff  = 5 * time.Second
)

// ErrRestartRequested is returned by Run after an authenticated RestartAgent command.
var ErrRestartRequested = errors.New("restart requested")

// State is the session's position in its lifecycle.
type State int32

// Session states.
const (
	Disconnected State = iota
	Handshaking
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Verifier authenticates command payloads.
type Verifier interface {
	Verify(message []byte, sig string) error
}

// Executor runs authenticated commands.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) command.Outcome
}

// Config describes the endpoint and the identity announced in the handshake.
type Config struct {
	URL               string
	AgentID           uuid.UUID
	HostInfo          protocol.HostInfo
	Token             string
	HeartbeatInterval time.Duration
	ReconnectBackoff  time.Duration
}

// Manager owns one agent session and reconnects it for as long as Run is active.
type Manager struct {
	cfg      Config
	dialer   Dialer
	verifier Verifier
	executor Executor
	logger   zerolog.Logger

	state atomic.Int32

	mu     sync.Mutex
	report *compliance.Report

	// wait blocks for the post-disconnect backoff.
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// New returns a Manager. A nil verifier makes the manager reject every command.
func New(cfg Config, dialer Dialer, verifier Verifier, executor Executor) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		verifier: verifier,
		executor: executor,
		logger:   log.With().Str("agent_id", cfg.AgentID.String()).Logger(),
		wait:     sleepCtx,
		now:      time.Now,
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.logger.Debug().Stringer("state", s).Msg("Session state changed")
		metrics.AgentSessionState.Set(float64(s))
	}
}

// SetReport replaces the compliance report sent after every handshake.
func (m *Manager) SetReport(r *compliance.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = r
	if r != nil {
		metrics.AgentComplianceScore.Set(float64(r.Score))
	}
}

// Report returns the cached compliance report, if any.
func (m *Manager) Report() *compliance.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report
}

// Run connects and serves sessions until ctx ends or a restart is requested.
// Transport failures never end Run: each lost session is followed by exactly
// one backoff wait and a new connection attempt.
func (m *Manager) Run(ctx context.Context) error {
	m.setState(Disconnected)
	for first := true; ; first = false {
		if !first {
			m.logger.Info().Dur("backoff", m.cfg.ReconnectBackoff).Msg("Reconnecting after backoff")
			if err := m.wait(ctx, m.cfg.ReconnectBackoff); err != nil {
				return err
			}
		}

		conn, err := m.connect(ctx)
		if err != nil {
			return err
		}

		err = m.serve(ctx, conn)
		m.setState(Disconnected)
		switch {
		case errors.Is(err, ErrRestartRequested):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		m.logger.Warn().Err(err).Msg("Session lost")
		metrics.AgentReconnects.Inc()
	}
}

// connect dials until it succeeds, waiting the fixed backoff between attempts.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	var conn Conn
	err := retry.Do(func() error {
		m.logger.Info().Str("url", m.cfg.URL).Msg("Connecting to server")
		c, err := m.dialer.Dial(ctx, m.cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		retry.Attempts(0),
		retry.Delay(m.cfg.ReconnectBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn().Uint("attempt", n+1).Err(err).Dur("retry_in", m.cfg.ReconnectBackoff).Msg("Connection failed")
		}),
	)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs one connected session. The calling goroutine is the only writer.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close() //nolint:errcheck // connection is being discarded
	}()

	m.setState(Handshaking)
	hs := protocol.Handshake{AgentID: m.cfg.AgentID, HostInfo: m.cfg.HostInfo, Token: m.cfg.Token}
	if err := m.send(conn, hs); err != nil {
		return err
	}
	m.logger.Info().Msg("Handshake sent")
	if r := m.Report(); r != nil {
		if err := m.send(conn, protocol.ComplianceReport{AgentID: m.cfg.AgentID, Report: *r}); err != nil {
			return err
		}
		m.logger.Info().Uint32("score", r.Score).Msg("Compliance report sent")
	}
	m.setState(Active)

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-done:
				return
			}
		}
	}()

	outcomes := make(chan command.Outcome)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := m.send(conn, protocol.Heartbeat{AgentID: m.cfg.AgentID, Timestamp: m.now().UTC()}); err != nil {
				return err
			}
			metrics.AgentHeartbeats.Inc()

		case err := <-readErr:
			return err

		case data := <-inbound:
			m.dispatch(ctx, data, outcomes, done)

		case out := <-outcomes:
			if err := m.send(conn, out.Result); err != nil {
				return err
			}
			if out.Report != nil {
				m.SetReport(out.Report)
				if err := m.send(conn, protocol.ComplianceReport{AgentID: m.cfg.AgentID, Report: *out.Report}); err != nil {
					return err
				}
			}
			if out.Restart {
				return ErrRestartRequested
			}
		}
	}
}

func (m *Manager) send(conn Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// dispatch handles one inbound frame. Undecodable and unknown frames are skipped.
func (m *Manager) dispatch(ctx context.Context, data []byte, outcomes chan<- command.Outcome, done <-chan struct{}) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Ignoring inbound message")
		return
	}
	switch v := msg.(type) {
	case protocol.Command:
		m.handleCommand(ctx, v, outcomes, done)
	case protocol.HandshakeAck:
		m.logger.Info().Str("status", v.Status).Time("server_time", v.ServerTime).Msg("Handshake acknowledged")
	default:
		m.logger.Debug().Str("type", string(msg.MessageType())).Msg("Ignoring unexpected message")
	}
}

// handleCommand executes cmd only when its signature verifies against the
// configured public key. Rejected commands are dropped without a reply.
func (m *Manager) handleCommand(ctx context.Context, cmd protocol.Command, outcomes chan<- command.Outcome, done <-chan struct{}) {
	logger := m.logger.With().Str("cmd_id", cmd.ID.String()).Str("cmd_type", string(cmd.CmdType)).Logger()

	if m.verifier == nil {
		logger.Error().Msg("Command rejected: no public key configured")
		metrics.AgentCommandsRejected.Inc()
		return
	}
	if err := m.verifier.Verify(cmd.SigningPayload(), cmd.Signature); err != nil {
		logger.Error().Err(err).Msg("Command rejected: signature check failed, possible attack")
		metrics.AgentCommandsRejected.Inc()
		return
	}
	if m.executor == nil {
		logger.Warn().Msg("Command verified but no executor configured")
		return
	}

	logger.Info().Msg("Command verified")
	go func() {
		out := m.executor.Execute(ctx, cmd)
		metrics.AgentCommandsExecuted.WithLabelValues(string(cmd.CmdType), out.Result.Status).Inc()
		select {
		case outcomes <- out:
		case <-done:
			logger.Warn().Msg("Session ended before command result could be sent")
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
