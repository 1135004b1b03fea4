package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CommandType names an action the server may ask an agent to perform.
type CommandType string

// Supported command types.
const (
	RunScript    CommandType = "RunScript"
	UpdateConfig CommandType = "UpdateConfig"
	RestartAgent CommandType = "RestartAgent"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case RunScript, UpdateConfig, RestartAgent:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown command types.
func (t *CommandType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ct := CommandType(s)
	if !ct.Valid() {
		return fmt.Errorf("unknown command type %q", s)
	}
	*t = ct
	return nil
}

// Command is a server instruction, authenticated by Signature.
type Command struct {
	ID        uuid.UUID   `json:"id"`
	CmdType   CommandType `json:"cmd_type"`
	Args      *string     `json:"args"`
	Signature string      `json:"signature"`
}

// ArgsOrEmpty returns Args, or "" when absent.
func (c Command) ArgsOrEmpty() string {
	if c.Args == nil {
		return ""
	}
	return *c.Args
}

// SigningPayload returns the bytes the signature covers: id, cmd_type and args
// concatenated. The id has a fixed textual width and no command type is a
// prefix of another, so the concatenation is unambiguous.
func (c Command) SigningPayload() []byte {
	return []byte(c.ID.String() + string(c.CmdType) + c.ArgsOrEmpty())
}
