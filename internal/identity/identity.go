// Package identity keeps the agent's stable identifier on local disk.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultFile is where the agent id is kept when no path is configured.
const DefaultFile = ".agent_id"

// Store reads and writes a single identifier token.
type Store interface {
	Read() (string, error)
	Write(value string) error
}

// FileStore keeps the token in one file.
type FileStore struct {
	Path string
}

// Read returns the file's contents.
func (f FileStore) Read() (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Write replaces the file atomically.
func (f FileStore) Write(value string) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".agent_id-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()     //nolint:errcheck // already failing
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return err
	}
	return os.Rename(name, f.Path)
}

// Load returns the persisted agent id, generating and persisting a new one when
// the stored value is missing or unparsable. A failed write is returned
// together with the fresh id so the agent can still run.
func Load(s Store) (uuid.UUID, error) {
	raw, err := s.Read()
	if err == nil {
		id, perr := uuid.Parse(strings.TrimSpace(raw))
		if perr == nil {
			return id, nil
		}
		log.Warn().Err(perr).Msg("Stored agent id is unparsable, generating a new one")
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Stored agent id is unreadable, generating a new one")
	}

	id := uuid.New()
	if err := s.Write(id.String()); err != nil {
		return id, fmt.Errorf("persist agent id: %w", err)
	}
	log.Info().Str("agent_id", id.String()).Msg("Generated new agent id")
	return id, nil
}
