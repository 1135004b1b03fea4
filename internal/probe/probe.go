// Package probe runs external OS commands through the platform shell.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxOutput bounds captured stdout and stderr separately.
	DefaultMaxOutput = 64 * 1024
	maxLogLength     = 200
)

// Output is what a finished process produced. ExitCode is -1 when the process was killed.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// LaunchError means the command could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Runner executes a command line. A non-zero exit status is reported in Output,
// not as an error; the returned error is a *LaunchError.
type Runner interface {
	Run(ctx context.Context, command string) (Output, error)
}

// Shell runs commands with sh on Unix and PowerShell on Windows.
type Shell struct {
	// Timeout bounds each command; zero means no limit beyond ctx.
	Timeout time.Duration
	// MaxOutput truncates stdout and stderr; zero selects DefaultMaxOutput.
	MaxOutput int
	// GOOS overrides interpreter selection, mostly for tests.
	GOOS string
}

// Interpreter returns the program and arguments used to run command on goos.
func Interpreter(goos, command string) (string, []string) {
	if goos == "windows" {
		return "powershell", []string{
			"-NoProfile", "-NonInteractive", "-Command",
			"[Console]::OutputEncoding = [System.Text.Encoding]::UTF8; " + command,
		}
	}
	return "sh", []string{"-c", command}
}

// Run implements Runner.
func (s Shell) Run(ctx context.Context, command string) (Output, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	limit := s.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	name, args := Interpreter(goos, command)
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   limitOutput(stdoutBuf.Bytes(), limit),
		Stderr:   limitOutput(stderrBuf.Bytes(), limit),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case cmd.Process == nil:
			return out, &LaunchError{Command: command, Err: err}
		case ctx.Err() != nil:
			log.Warn().Str("command", command).Dur("after", out.Duration).Err(ctx.Err()).Msg("Command interrupted")
			out.Stderr += "command timed out after " + out.Duration.String()
			out.ExitCode = -1
		case errors.As(err, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		default:
			out.Stderr += "\ncommand error: " + err.Error()
			out.ExitCode = -1
		}
	}

	log.Debug().
		Str("command", command).
		Int("exit", out.ExitCode).
		Dur("took", out.Duration).
		Str("stdout", clip(out.Stdout)).
		Str("stderr", clip(out.Stderr)).
		Msg("Command completed")
	return out, nil
}

func limitOutput(data []byte, maxSize int) string {
	if len(data) > maxSize {
		return string(data[:maxSize]) + "\n[output truncated]"
	}
	return string(data)
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLogLength {
		return s[:maxLogLength] + "..."
	}
	return s
}
