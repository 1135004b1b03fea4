package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/probe"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/scan"
)

// Outcome is what executing a command produced. Report is set when the command
// re-ran the compliance scan; Restart asks the caller to restart the agent.
type Outcome struct {
	Result  protocol.CommandResult
	Report  *compliance.Report
	Restart bool
}

// Executor carries out already-authenticated commands on the agent.
type Executor struct {
	Runner     probe.Runner
	Engine     *scan.Engine
	PolicyPath string
}

// Execute runs cmd. Callers must verify the command's signature first.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) Outcome {
	logger := log.With().Str("cmd_id", cmd.ID.String()).Str("cmd_type", string(cmd.CmdType)).Logger()
	logger.Info().Msg("Executing command")

	var out Outcome
	switch cmd.CmdType {
	case protocol.RunScript:
		out = e.runScript(ctx, cmd)
	case protocol.UpdateConfig:
		out = e.updateConfig(ctx, cmd)
	case protocol.RestartAgent:
		out = Outcome{Result: protocol.CommandResult{Status: StatusAccepted, Stdout: "restarting"}, Restart: true}
	default:
		out = Outcome{Result: protocol.CommandResult{Status: StatusError, Stderr: fmt.Sprintf("unsupported command type %q", cmd.CmdType)}}
	}
	out.Result.CmdID = cmd.ID
	logger.Info().Str("status", out.Result.Status).Msg("Command finished")
	return out
}

func (e *Executor) runScript(ctx context.Context, cmd protocol.Command) Outcome {
	script := strings.TrimSpace(cmd.ArgsOrEmpty())
	if script == "" {
		return errorOutcome("RunScript requires args")
	}
	res, err := e.Runner.Run(ctx, script)
	if err != nil {
		return errorOutcome(err.Error())
	}
	status := StatusSuccess
	if res.ExitCode != 0 {
		status = StatusFailed
	}
	return Outcome{Result: protocol.CommandResult{Status: status, Stdout: res.Stdout, Stderr: res.Stderr}}
}

func (e *Executor) updateConfig(ctx context.Context, cmd protocol.Command) Outcome {
	doc := cmd.ArgsOrEmpty()
	policy, err := compliance.ParsePolicy([]byte(doc))
	if err != nil {
		return errorOutcome(err.Error())
	}
	if e.PolicyPath != "" {
		if err := writeFileAtomic(e.PolicyPath, []byte(doc)); err != nil {
			return errorOutcome(fmt.Sprintf("write policy: %v", err))
		}
	}
	if e.Engine == nil {
		return Outcome{Result: protocol.CommandResult{Status: StatusSuccess, Stdout: "policy " + policy.ID + " stored"}}
	}
	report := e.Engine.Run(ctx, policy)
	return Outcome{
		Result: protocol.CommandResult{
			Status: StatusSuccess,
			Stdout: fmt.Sprintf("policy %s applied: score %d (%d/%d)", policy.ID, report.Score, report.PassedChecks, report.TotalChecks),
		},
		Report: &report,
	}
}

func errorOutcome(msg string) Outcome {
	return Outcome{Result: protocol.CommandResult{Status: StatusError, Stderr: msg}}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()     //nolint:errcheck // already failing
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return err
	}
	return os.Rename(name, path)
}
