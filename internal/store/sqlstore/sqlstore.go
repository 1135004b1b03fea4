// Package sqlstore implements store.Store on PostgreSQL (pgx) or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/store"
)

// Supported dialects.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Store is a database/sql backed store.Store.
type Store struct {
	db      *sql.DB
	dialect string
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and creates the schema if needed.
// For SQLite, dsn is a file path.
func Open(ctx context.Context, dialect, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case Postgres:
		db, err = sql.Open("pgx", dsn)
	case SQLite:
		db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dsn))
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	s := &Store{db: db, dialect: dialect}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, err
	}
	log.Info().Str("dialect", dialect).Msg("SQL store ready")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			hostname   TEXT NOT NULL,
			os_name    TEXT NOT NULL,
			status     TEXT NOT NULL,
			host_info  TEXT NOT NULL,
			last_seen  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_scores (
			agent_id      TEXT PRIMARY KEY,
			policy_id     TEXT NOT NULL,
			score         INTEGER NOT NULL,
			total_checks  INTEGER NOT NULL,
			passed_checks INTEGER NOT NULL,
			details       TEXT NOT NULL,
			last_scan_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inventories (
			agent_id   TEXT PRIMARY KEY,
			software   TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS command_results (
			cmd_id      TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			status      TEXT NOT NULL,
			stdout      TEXT NOT NULL,
			stderr      TEXT NOT NULL,
			received_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_results_agent ON command_results(agent_id, received_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

// UpsertAgent implements store.Store.
func (s *Store) UpsertAgent(ctx context.Context, id uuid.UUID, info protocol.HostInfo, at time.Time) error {
	hi, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO agents(id, hostname, os_name, status, host_info, last_seen)
VALUES(?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET hostname=EXCLUDED.hostname, os_name=EXCLUDED.os_name,
status=EXCLUDED.status, host_info=EXCLUDED.host_info, last_seen=EXCLUDED.last_seen`,
		id.String(), info.Hostname, info.OSName, store.StatusOnline, string(hi), at.Unix())
	return err
}

// TouchAgent implements store.Store.
func (s *Store) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.expectRow(s.exec(ctx, `UPDATE agents SET last_seen=?, status=? WHERE id=?`, at.Unix(), store.StatusOnline, id.String()))
}

// SetAgentStatus implements store.Store.
func (s *Store) SetAgentStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.expectRow(s.exec(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id.String()))
}

func (*Store) expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveReport implements store.Store.
func (s *Store) SaveReport(ctx context.Context, id uuid.UUID, r compliance.Report, at time.Time) error {
	details, err := json.Marshal(r.Results)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO compliance_scores(agent_id, policy_id, score, total_checks, passed_checks, details, last_scan_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET policy_id=EXCLUDED.policy_id, score=EXCLUDED.score,
total_checks=EXCLUDED.total_checks, passed_checks=EXCLUDED.passed_checks,
details=EXCLUDED.details, last_scan_at=EXCLUDED.last_scan_at`,
		id.String(), r.PolicyID, int64(r.Score), int64(r.TotalChecks), int64(r.PassedChecks), string(details), at.Unix())
	return err
}

// SaveInventory implements store.Store.
func (s *Store) SaveInventory(ctx context.Context, id uuid.UUID, sw []protocol.SoftwareInfo, at time.Time) error {
	if sw == nil {
		sw = []protocol.SoftwareInfo{}
	}
	data, err := json.Marshal(sw)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO inventories(agent_id, software, updated_at) VALUES(?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET software=EXCLUDED.software, updated_at=EXCLUDED.updated_at`,
		id.String(), string(data), at.Unix())
	return err
}

// SaveCommandResult implements store.Store.
func (s *Store) SaveCommandResult(ctx context.Context, id uuid.UUID, res protocol.CommandResult, at time.Time) error {
	_, err := s.exec(ctx, `INSERT INTO command_results(cmd_id, agent_id, status, stdout, stderr, received_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(cmd_id) DO UPDATE SET status=EXCLUDED.status, stdout=EXCLUDED.stdout,
stderr=EXCLUDED.stderr, received_at=EXCLUDED.received_at`,
		res.CmdID.String(), id.String(), res.Status, res.Stdout, res.Stderr, at.Unix())
	return err
}

const agentColumns = `id, hostname, os_name, status, host_info, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*store.Agent, error) {
	var (
		id, hostInfo string
		lastSeen     int64
		a            store.Agent
	)
	if err := row.Scan(&id, &a.Hostname, &a.OSName, &a.Status, &hostInfo, &lastSeen); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("agent id %q: %w", id, err)
	}
	a.ID = parsed
	a.LastSeen = time.Unix(lastSeen, 0).UTC()
	if err := json.Unmarshal([]byte(hostInfo), &a.HostInfo); err != nil {
		return nil, fmt.Errorf("agent %s host info: %w", id, err)
	}
	return &a, nil
}

// ListAgents implements store.Store.
func (s *Store) ListAgents(ctx context.Context) ([]store.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY hostname, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := []store.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// GetAgent implements store.Store.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*store.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id=?`), id.String())
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return a, err
}

// LatestReport implements store.Store.
func (s *Store) LatestReport(ctx context.Context, id uuid.UUID) (*store.ReportRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT policy_id, score, total_checks, passed_checks, details, last_scan_at
FROM compliance_scores WHERE agent_id=?`), id.String())
	var (
		rec                  store.ReportRecord
		score, total, passed int64
		details              string
		scannedAt            int64
	)
	err := row.Scan(&rec.Report.PolicyID, &score, &total, &passed, &details, &scannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &rec.Report.Results); err != nil {
		return nil, fmt.Errorf("report details: %w", err)
	}
	rec.AgentID = id
	rec.Report.Score = uint32(score)         //nolint:gosec // stored from uint32
	rec.Report.TotalChecks = uint32(total)   //nolint:gosec // stored from uint32
	rec.Report.PassedChecks = uint32(passed) //nolint:gosec // stored from uint32
	rec.ReceivedAt = time.Unix(scannedAt, 0).UTC()
	return &rec, nil
}

// Inventory implements store.Store.
func (s *Store) Inventory(ctx context.Context, id uuid.UUID) ([]protocol.SoftwareInfo, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT software FROM inventories WHERE agent_id=?`), id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sw []protocol.SoftwareInfo
	if err := json.Unmarshal([]byte(data), &sw); err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return sw, nil
}

// DeleteAgent implements store.Store.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	for _, table := range []string{"compliance_scores", "inventories", "command_results"} {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE agent_id=?`), id.String()); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE id=?`), id.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
