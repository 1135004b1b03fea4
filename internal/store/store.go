// Package store defines the server's persistence boundary.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/protocol"
)

// Agent connection statuses.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// ErrNotFound is returned when the requested agent or record does not exist.
var ErrNotFound = errors.New("not found")

// Agent is a known endpoint.
type Agent struct {
	ID       uuid.UUID         `json:"id"`
	Hostname string            `json:"hostname"`
	OSName   string            `json:"os_name"`
	Status   string            `json:"status"`
	LastSeen time.Time         `json:"last_seen"`
	HostInfo protocol.HostInfo `json:"host_info"`
}

// ReportRecord is the latest compliance report received from an agent.
type ReportRecord struct {
	AgentID    uuid.UUID         `json:"agent_id"`
	Report     compliance.Report `json:"report"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Store persists agents and what they report.
type Store interface {
	// UpsertAgent records a handshake and marks the agent online.
	UpsertAgent(ctx context.Context, id uuid.UUID, info protocol.HostInfo, at time.Time) error
	// TouchAgent updates last-seen for a heartbeat.
	TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error
	SetAgentStatus(ctx context.Context, id uuid.UUID, status string) error
	// SaveReport replaces the agent's latest compliance report.
	SaveReport(ctx context.Context, id uuid.UUID, r compliance.Report, at time.Time) error
	SaveInventory(ctx context.Context, id uuid.UUID, sw []protocol.SoftwareInfo, at time.Time) error
	SaveCommandResult(ctx context.Context, id uuid.UUID, res protocol.CommandResult, at time.Time) error

	ListAgents(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	LatestReport(ctx context.Context, id uuid.UUID) (*ReportRecord, error)
	Inventory(ctx context.Context, id uuid.UUID) ([]protocol.SoftwareInfo, error)
	// DeleteAgent removes the agent and everything stored for it.
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	Close() error
}
