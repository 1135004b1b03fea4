package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "bt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "UPDATE a SET x=$1 WHERE id=$2", pg.rebind("UPDATE a SET x=? WHERE id=?"))
	lite := &Store{dialect: SQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}

func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()

	info := protocol.HostInfo{Hostname: "ws-01", OSName: "Ubuntu", Peripherals: []string{}, Software: []protocol.SoftwareInfo{}}
	require.NoError(t, s.UpsertAgent(ctx, id, info, at))

	a, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ws-01", a.Hostname)
	assert.Equal(t, store.StatusOnline, a.Status)
	assert.Equal(t, at, a.LastSeen)
	assert.Equal(t, info, a.HostInfo)

	info.Hostname = "ws-01-renamed"
	require.NoError(t, s.UpsertAgent(ctx, id, info, at.Add(time.Minute)))
	require.NoError(t, s.SetAgentStatus(ctx, id, store.StatusOffline))
	require.NoError(t, s.TouchAgent(ctx, id, at.Add(2*time.Minute)))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "ws-01-renamed", agents[0].Hostname)
	assert.Equal(t, store.StatusOnline, agents[0].Status)
	assert.Equal(t, at.Add(2*time.Minute), agents[0].LastSeen)

	assert.ErrorIs(t, s.TouchAgent(ctx, uuid.New(), at), store.ErrNotFound)
	_, err = s.GetAgent(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReportsInventoryAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, s.UpsertAgent(ctx, id, protocol.HostInfo{Hostname: "h"}, at))

	_, err := s.LatestReport(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	old := compliance.NewReport("cis", []compliance.CheckResult{{RuleID: 1, Title: "a", Status: compliance.StatusFail, Output: "x"}})
	require.NoError(t, s.SaveReport(ctx, id, old, at))
	latest := compliance.NewReport("cis", []compliance.CheckResult{
		{RuleID: 1, Title: "a", Status: compliance.StatusPass, Output: "ok"},
		{RuleID: 2, Title: "b", Status: compliance.StatusError, Output: "launch failed"},
	})
	require.NoError(t, s.SaveReport(ctx, id, latest, at.Add(time.Hour)))

	rec, err := s.LatestReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, latest, rec.Report)
	assert.Equal(t, at.Add(time.Hour), rec.ReceivedAt)

	vendor := "GNU"
	sw := []protocol.SoftwareInfo{{Name: "bash", Version: "5.2", Vendor: &vendor}}
	require.NoError(t, s.SaveInventory(ctx, id, sw, at))
	gotSW, err := s.Inventory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sw, gotSW)

	require.NoError(t, s.SaveCommandResult(ctx, id, protocol.CommandResult{CmdID: uuid.New(), Status: "SUCCESS", Stdout: "root"}, at))

	require.NoError(t, s.DeleteAgent(ctx, id))
	_, err = s.GetAgent(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LatestReport(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Inventory(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAgent(ctx, id), store.ErrNotFound)
}
