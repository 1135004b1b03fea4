// Package events feeds compliance reports to the search index pipeline over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/compliance"
)

const (
	// DefaultSubject is where report documents are published.
	DefaultSubject = "bt.logs.v1"
	// EventTypeReport tags compliance report documents.
	EventTypeReport = "sca_report"

	connectTimeout = 10 * time.Second
	reconnectWait  = 5 * time.Second
)

// Publisher ships report documents to the indexer.
type Publisher interface {
	PublishReport(ctx context.Context, agentID uuid.UUID, r compliance.Report) error
	Close()
}

// ReportDocument is the indexed form of a compliance report.
type ReportDocument struct {
	compliance.Report
	Timestamp time.Time `json:"@timestamp"`
	EventType string    `json:"event_type"`
	AgentID   uuid.UUID `json:"agent_id"`
}

// NewReportDocument stamps r for indexing.
func NewReportDocument(agentID uuid.UUID, r compliance.Report, at time.Time) ReportDocument {
	return ReportDocument{Report: r, Timestamp: at.UTC(), EventType: EventTypeReport, AgentID: agentID}
}

// NATSPublisher publishes JSON report documents to a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. The connection reconnects on its own.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("blue-taurus-server"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	log.Info().Str("url", url).Str("subject", subject).Msg("NATS publisher initialized")
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// PublishReport implements Publisher.
func (p *NATSPublisher) PublishReport(ctx context.Context, agentID uuid.UUID, r compliance.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewReportDocument(agentID, r, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal report document: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Header.Set("Agent-Id", agentID.String())
	msg.Data = data
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Nop discards every report.
type Nop struct{}

// PublishReport implements Publisher.
func (Nop) PublishReport(context.Context, uuid.UUID, compliance.Report) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// Memory keeps published documents in memory.
type Memory struct {
	mu   sync.Mutex
	docs []ReportDocument
}

// PublishReport implements Publisher.
func (m *Memory) PublishReport(_ context.Context, agentID uuid.UUID, r compliance.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, NewReportDocument(agentID, r, time.Now()))
	return nil
}

// Close implements Publisher.
func (*Memory) Close() {}

// Documents returns a copy of everything published so far.
func (m *Memory) Documents() []ReportDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReportDocument(nil), m.docs...)
}
