// Package protocol defines the messages exchanged between agents and the server.
//
// Every message travels as a JSON envelope {"type": <variant>, "payload": {...}}.
// Receivers ignore variants they do not know.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plnamente/blue-taurus/internal/compliance"
)

// Type is the envelope discriminator.
type Type string

// Message variants.
const (
	TypeHandshake        Type = "Handshake"
	TypeHandshakeAck     Type = "HandshakeAck"
	TypeHeartbeat        Type = "Heartbeat"
	TypeInventoryReport  Type = "InventoryReport"
	TypeComplianceReport Type = "ComplianceReport"
	TypeCommand          Type = "Command"
	TypeCommandResult    Type = "CommandResult"

	// typeScaReport is the tag older agents use for ComplianceReport.
	typeScaReport Type = "ScaReport"
)

var (
	// ErrUnknownType marks an envelope whose type this build does not know.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed marks a frame that is not a valid envelope or payload.
	ErrMalformed = errors.New("malformed message")
)

// Message is implemented by every variant.
type Message interface {
	MessageType() Type
}

// Envelope is the wire form of a Message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handshake opens a session.
type Handshake struct {
	AgentID  uuid.UUID `json:"agent_id"`
	HostInfo HostInfo  `json:"host_info"`
	Token    string    `json:"token"`
}

// HandshakeAck is the server's reply to a Handshake.
type HandshakeAck struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

// Heartbeat signals liveness.
type Heartbeat struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// InventoryReport carries the installed software list.
type InventoryReport struct {
	AgentID  uuid.UUID      `json:"agent_id"`
	Software []SoftwareInfo `json:"software"`
}

// ComplianceReport carries the result of a policy scan.
type ComplianceReport struct {
	AgentID uuid.UUID         `json:"agent_id"`
	Report  compliance.Report `json:"report"`
}

// CommandResult reports the outcome of a Command.
type CommandResult struct {
	CmdID  uuid.UUID `json:"cmd_id"`
	Status string    `json:"status"`
	Stdout string    `json:"stdout"`
	Stderr string    `json:"stderr"`
}

// MessageType implements Message.
func (Handshake) MessageType() Type { return TypeHandshake }

// MessageType implements Message.
func (HandshakeAck) MessageType() Type { return TypeHandshakeAck }

// MessageType implements Message.
func (Heartbeat) MessageType() Type { return TypeHeartbeat }

// MessageType implements Message.
func (InventoryReport) MessageType() Type { return TypeInventoryReport }

// MessageType implements Message.
func (ComplianceReport) MessageType() Type { return TypeComplianceReport }

// MessageType implements Message.
func (Command) MessageType() Type { return TypeCommand }

// MessageType implements Message.
func (CommandResult) MessageType() Type { return TypeCommandResult }

// Encode serializes m into an envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Payload: payload})
}

// Decode parses an envelope. Unknown types yield an error wrapping ErrUnknownType;
// bad JSON or payloads yield an error wrapping ErrMalformed. Both are safe to skip.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch env.Type {
	case TypeHandshake:
		m = &Handshake{}
	case TypeHandshakeAck:
		m = &HandshakeAck{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeInventoryReport:
		m = &InventoryReport{}
	case TypeComplianceReport, typeScaReport:
		m = &ComplianceReport{}
	case TypeCommand:
		m = &Command{}
	case TypeCommandResult:
		m = &CommandResult{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return deref(m), nil
}

// deref returns variants by value so callers can type-switch on the plain struct types.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Handshake:
		return *v
	case *HandshakeAck:
		return *v
	case *Heartbeat:
		return *v
	case *InventoryReport:
		return *v
	case *ComplianceReport:
		return *v
	case *Command:
		return *v
	case *CommandResult:
		return *v
	}
	return m
}

// IsSoft reports whether err from Decode can be ignored without closing the connection.
func IsSoft(err error) bool {
	return errors.Is(err, ErrUnknownType) || errors.Is(err, ErrMalformed)
}
