// Package gitstore implements store.Store as JSON files in a Git repository,
// giving an auditable history of every agent's reported state.
package gitstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/store"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
	// Retry configuration for git operations.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	gitTimeout     = 30 * time.Second

	agentsDir      = "agents"
	infoFile       = "info.json"
	complianceFile = "compliance.json"
	inventoryFile  = "inventory.json"
	commandsDir    = "commands"
)

// Store keeps one directory per agent in a Git working tree and commits on every change.
type Store struct {
	gitURL   string
	repoPath string
	mu       sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New opens gitURL. Local paths (starting with / or ./) are used in place and
// initialised if needed; anything else is cloned into a temporary directory and
// pushed after each commit.
func New(ctx context.Context, gitURL string) (*Store, error) {
	s := &Store{
		gitURL:   gitURL,
		repoPath: filepath.Join(os.TempDir(), fmt.Sprintf("bluetaurus-%d", time.Now().Unix())),
	}
	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize git store: %w", err)
	}
	log.Info().Str("url", gitURL).Str("repo", s.repoPath).Msg("Git store initialized")
	return s, nil
}

func (s *Store) local() bool {
	return strings.HasPrefix(s.gitURL, "/") || strings.HasPrefix(s.gitURL, "./")
}

func (s *Store) initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local() {
		s.repoPath = s.gitURL
		if err := os.MkdirAll(s.repoPath, dirPerm); err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(s.repoPath, ".git")); os.IsNotExist(err) {
			log.Info().Str("repo", s.repoPath).Msg("Initializing new local git repository")
			if err := s.gitWithRetry(ctx, s.repoPath, "init"); err != nil {
				return fmt.Errorf("init local repository: %w", err)
			}
		}
	} else {
		log.Info().Str("url", s.gitURL).Msg("Cloning remote repository")
		if err := s.gitWithRetry(ctx, "", "clone", s.gitURL, s.repoPath); err != nil {
			return fmt.Errorf("clone repository: %w", err)
		}
	}
	if err := s.gitWithRetry(ctx, s.repoPath, "config", "user.email", "bluetaurus@localhost"); err != nil {
		return err
	}
	if err := s.gitWithRetry(ctx, s.repoPath, "config", "user.name", "blue-taurus"); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.repoPath, agentsDir), dirPerm)
}

// agentDir returns the agent's directory, refusing anything outside the repository.
func (s *Store) agentDir(id uuid.UUID) (string, error) {
	dir := filepath.Join(s.repoPath, agentsDir, id.String())
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	absRepo, err := filepath.Abs(s.repoPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absDir, absRepo+string(filepath.Separator)) {
		return "", errors.New("security error: path traversal detected")
	}
	return dir, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), filePerm)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// update runs fn on the agent's directory and commits the result with msg.
// An empty msg leaves the change uncommitted until the next commit.
func (s *Store) update(ctx context.Context, id uuid.UUID, msg string, fn func(dir string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.agentDir(id)
	if err != nil {
		return err
	}
	if err := fn(dir); err != nil {
		return err
	}
	if msg != "" {
		s.commit(ctx, msg)
	}
	return nil
}

// commit stages everything and commits; git failures are logged, not returned.
func (s *Store) commit(ctx context.Context, msg string) {
	if err := retry.Do(func() error {
		return s.git(ctx, s.repoPath, "add", "-A")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Warn().Err(err).Msg("Git add failed")
		return
	}

	status, err := retry.DoWithData(func() (string, error) {
		return s.gitOutput(ctx, "status", "--porcelain")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		log.Warn().Err(err).Msg("Git status failed")
		return
	}
	if strings.TrimSpace(status) == "" {
		log.Debug().Str("msg", msg).Msg("No changes to commit")
		return
	}

	if err := retry.Do(func() error {
		return s.git(ctx, s.repoPath, "commit", "-m", msg)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Warn().Err(err).Msg("Git commit failed")
		return
	}

	if !s.local() {
		if err := retry.Do(func() error {
			return s.git(ctx, s.repoPath, "push")
		}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
			log.Warn().Err(err).Msg("Git push failed")
		}
	}
	log.Debug().Str("msg", msg).Msg("Committed")
}

// UpsertAgent implements store.Store.
func (s *Store) UpsertAgent(ctx context.Context, id uuid.UUID, info protocol.HostInfo, at time.Time) error {
	a := store.Agent{ID: id, Hostname: info.Hostname, OSName: info.OSName, Status: store.StatusOnline, LastSeen: at.UTC(), HostInfo: info}
	return s.update(ctx, id, fmt.Sprintf("Handshake from %s (%s)", id, info.Hostname), func(dir string) error {
		return writeJSON(filepath.Join(dir, infoFile), a)
	})
}

// TouchAgent implements store.Store. Heartbeats are not committed on their own.
func (s *Store) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(ctx, id, "", func(dir string) error {
		return s.modifyAgent(dir, func(a *store.Agent) {
			a.LastSeen = at.UTC()
			a.Status = store.StatusOnline
		})
	})
}

// SetAgentStatus implements store.Store.
func (s *Store) SetAgentStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.update(ctx, id, fmt.Sprintf("Agent %s is %s", id, status), func(dir string) error {
		return s.modifyAgent(dir, func(a *store.Agent) { a.Status = status })
	})
}

func (*Store) modifyAgent(dir string, fn func(*store.Agent)) error {
	path := filepath.Join(dir, infoFile)
	var a store.Agent
	if err := readJSON(path, &a); err != nil {
		return err
	}
	fn(&a)
	return writeJSON(path, a)
}

// SaveReport implements store.Store.
func (s *Store) SaveReport(ctx context.Context, id uuid.UUID, r compliance.Report, at time.Time) error {
	rec := store.ReportRecord{AgentID: id, Report: r, ReceivedAt: at.UTC()}
	return s.update(ctx, id, fmt.Sprintf("Compliance report from %s: %d%%", id, r.Score), func(dir string) error {
		return writeJSON(filepath.Join(dir, complianceFile), rec)
	})
}

// SaveInventory implements store.Store.
func (s *Store) SaveInventory(ctx context.Context, id uuid.UUID, sw []protocol.SoftwareInfo, _ time.Time) error {
	if sw == nil {
		sw = []protocol.SoftwareInfo{}
	}
	return s.update(ctx, id, fmt.Sprintf("Inventory from %s (%d packages)", id, len(sw)), func(dir string) error {
		return writeJSON(filepath.Join(dir, inventoryFile), sw)
	})
}

// SaveCommandResult implements store.Store.
func (s *Store) SaveCommandResult(ctx context.Context, id uuid.UUID, res protocol.CommandResult, at time.Time) error {
	rec := struct {
		protocol.CommandResult
		ReceivedAt time.Time `json:"received_at"`
	}{res, at.UTC()}
	return s.update(ctx, id, fmt.Sprintf("Command %s on %s: %s", res.CmdID, id, res.Status), func(dir string) error {
		return writeJSON(filepath.Join(dir, commandsDir, res.CmdID.String()+".json"), rec)
	})
}

// ListAgents implements store.Store.
func (s *Store) ListAgents(ctx context.Context) ([]store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.local() {
		if err := retry.Do(func() error {
			return s.git(ctx, s.repoPath, "pull")
		}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
			log.Warn().Err(err).Msg("Git pull failed, continuing with local data")
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.repoPath, agentsDir))
	if os.IsNotExist(err) {
		return []store.Agent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agents directory: %w", err)
	}

	agents := []store.Agent{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var a store.Agent
		if err := readJSON(filepath.Join(s.repoPath, agentsDir, e.Name(), infoFile), &a); err != nil {
			log.Warn().Str("agent", e.Name()).Err(err).Msg("Skipping unreadable agent")
			continue
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Hostname != agents[j].Hostname {
			return agents[i].Hostname < agents[j].Hostname
		}
		return agents[i].ID.String() < agents[j].ID.String()
	})
	return agents, nil
}

func (s *Store) read(id uuid.UUID, name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.agentDir(id)
	if err != nil {
		return err
	}
	return readJSON(filepath.Join(dir, name), v)
}

// GetAgent implements store.Store.
func (s *Store) GetAgent(_ context.Context, id uuid.UUID) (*store.Agent, error) {
	var a store.Agent
	if err := s.read(id, infoFile, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// LatestReport implements store.Store.
func (s *Store) LatestReport(_ context.Context, id uuid.UUID) (*store.ReportRecord, error) {
	var rec store.ReportRecord
	if err := s.read(id, complianceFile, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Inventory implements store.Store.
func (s *Store) Inventory(_ context.Context, id uuid.UUID) ([]protocol.SoftwareInfo, error) {
	var sw []protocol.SoftwareInfo
	if err := s.read(id, inventoryFile, &sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// DeleteAgent implements store.Store. History stays in the repository log.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, fmt.Sprintf("Delete agent %s", id), func(dir string) error {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return os.RemoveAll(dir)
	})
}

// Close implements store.Store.
func (*Store) Close() error { return nil }

func (s *Store) gitWithRetry(ctx context.Context, dir string, args ...string) error {
	return retry.Do(func() error {
		return s.git(ctx, dir, args...)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (*Store) git(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Debug().Strs("args", args).Dur("took", time.Since(start)).Err(err).Bytes("output", output).Msg("Git command failed")
		return fmt.Errorf("git %v failed: %w\n%s", args, err, output)
	}
	log.Debug().Strs("args", args).Dur("took", time.Since(start)).Msg("Git command completed")
	return nil
}

func (s *Store) gitOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repoPath
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %v failed: %w", args, err)
	}
	return string(output), nil
}
