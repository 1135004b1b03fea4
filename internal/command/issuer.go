// Package command signs server commands and executes them on agents.
package command

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/signature"
)

// Result statuses reported back in CommandResult.
const (
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusError    = "ERROR"
	StatusAccepted = "ACCEPTED"
)

// Issuer creates signed commands. It is the only holder of the private key.
type Issuer struct {
	privateKey string
}

// NewIssuer validates privateKey and returns an Issuer.
func NewIssuer(privateKey string) (*Issuer, error) {
	if _, err := signature.ParsePrivateKey(privateKey); err != nil {
		return nil, err
	}
	return &Issuer{privateKey: privateKey}, nil
}

// Issue builds a command with a fresh id and signs it.
func (i *Issuer) Issue(t protocol.CommandType, args *string) (protocol.Command, error) {
	if !t.Valid() {
		return protocol.Command{}, fmt.Errorf("unknown command type %q", t)
	}
	cmd := protocol.Command{ID: uuid.New(), CmdType: t, Args: args}
	if err := Sign(i.privateKey, &cmd); err != nil {
		return protocol.Command{}, err
	}
	return cmd, nil
}

// Sign fills cmd.Signature using privateKey.
func Sign(privateKey string, cmd *protocol.Command) error {
	sig, err := signature.Sign(privateKey, cmd.SigningPayload())
	if err != nil {
		return fmt.Errorf("sign command %s: %w", cmd.ID, err)
	}
	cmd.Signature = sig
	return nil
}
