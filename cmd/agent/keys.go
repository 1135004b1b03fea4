package main

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/session"
	"github.com/plnamente/blue-taurus/internal/signature"
)

// The admin public key is created by running: bt-sign keygen
// and copying agent_public.key over cmd/agent/admin_public.key before building.
//
//go:embed admin_public.key
var adminPublicKey []byte

var errNoPublicKey = errors.New("no admin public key embedded")

// parseEmbeddedKey returns a verifier for key. Comment lines are ignored;
// an empty key is a placeholder.
func parseEmbeddedKey(key []byte) (*signature.Verifier, error) {
	var hex string
	for line := range strings.SplitSeq(string(key), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hex = line
		break
	}
	if hex == "" {
		return nil, errNoPublicKey
	}
	v, err := signature.NewVerifier(hex)
	if err != nil {
		return nil, fmt.Errorf("embedded admin public key: %w", err)
	}
	return v, nil
}

// commandVerifier returns the session verifier for the embedded key, or nil
// when the key is missing or malformed. A nil verifier rejects every command.
func commandVerifier() session.Verifier {
	v, err := parseEmbeddedKey(adminPublicKey)
	if err != nil {
		log.Error().Err(err).Msg("Admin public key unusable, every command will be rejected")
		log.Error().Msg("Generate a key pair with: bt-sign keygen")
		log.Error().Msg("Then copy agent_public.key to cmd/agent/admin_public.key and rebuild")
		return nil
	}
	return v
}
