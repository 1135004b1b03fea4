package scan_test

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/probe"
	"github.com/plnamente/blue-taurus/internal/scan"
)

// fakeRunner returns canned stdout per command and a launch error for unknown ones.
type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, command string) (probe.Output, error) {
	f.calls = append(f.calls, command)
	out, ok := f.outputs[command]
	if !ok {
		return probe.Output{}, &probe.LaunchError{Command: command, Err: errors.New("executable file not found")}
	}
	return probe.Output{Stdout: out}, nil
}

func policy(rules ...compliance.Rule) *compliance.Policy {
	return &compliance.Policy{ID: "test", Name: "test", Rules: rules}
}

func TestRunPassAndFail(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"echo OK": "OK\n",
		"echo NO": "NO\n",
	}}
	e := scan.New(runner)

	pass := e.Run(context.Background(), policy(compliance.Rule{ID: 1, Title: "ok", Command: "echo OK", Expect: "OK"}))
	require.Len(t, pass.Results, 1)
	assert.Equal(t, compliance.StatusPass, pass.Results[0].Status)
	assert.Equal(t, "OK", pass.Results[0].Output)
	assert.EqualValues(t, 100, pass.Score)

	fail := e.Run(context.Background(), policy(compliance.Rule{ID: 1, Title: "no", Command: "echo NO", Expect: "OK"}))
	require.Len(t, fail.Results, 1)
	assert.Equal(t, compliance.StatusFail, fail.Results[0].Status)
	assert.EqualValues(t, 0, fail.Score)
}

func TestRunLaunchErrorContinues(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"echo OK": "OK"}}
	r := scan.New(runner).Run(context.Background(), policy(
		compliance.Rule{ID: 1, Command: "missing-tool --status", Expect: "on"},
		compliance.Rule{ID: 2, Command: "echo OK", Expect: "OK"},
		compliance.Rule{ID: 3, Command: "echo OK", Expect: "nope"},
	))

	require.Len(t, r.Results, 3)
	assert.Equal(t, compliance.StatusError, r.Results[0].Status)
	assert.Contains(t, r.Results[0].Output, "executable file not found")
	assert.Equal(t, compliance.StatusPass, r.Results[1].Status)
	assert.Equal(t, compliance.StatusFail, r.Results[2].Status)
	assert.EqualValues(t, 3, r.TotalChecks)
	assert.EqualValues(t, 1, r.PassedChecks)
	assert.EqualValues(t, 33, r.Score)
	assert.Equal(t, []string{"missing-tool --status", "echo OK", "echo OK"}, runner.calls, "rules run in order, once each")
}

func TestRunEmptyPolicy(t *testing.T) {
	r := scan.New(&fakeRunner{}).Run(context.Background(), policy())
	assert.EqualValues(t, 0, r.Score)
	assert.EqualValues(t, 0, r.TotalChecks)
	assert.Empty(t, r.Results)
}

func TestRunTrimsBeforeMatching(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"status": "  \n enabled \n"}}
	r := scan.New(runner).Run(context.Background(), policy(
		compliance.Rule{ID: 1, Command: "status", Expect: "enabled", Match: "regex"},
		compliance.Rule{ID: 2, Command: "status", Expect: "^enabled$", Match: "regex"},
		compliance.Rule{ID: 3, Command: "status", Expect: "x", Match: "glob"},
	))
	assert.Equal(t, "enabled", r.Results[0].Output)
	assert.Equal(t, compliance.StatusPass, r.Results[0].Status)
	assert.Equal(t, compliance.StatusPass, r.Results[1].Status)
	assert.Equal(t, compliance.StatusError, r.Results[2].Status)
}

func TestRunIsIdempotent(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"a": "1", "b": "2", "c": "3"}}
	p := policy(
		compliance.Rule{ID: 1, Command: "a", Expect: "1"},
		compliance.Rule{ID: 2, Command: "b", Expect: "1"},
		compliance.Rule{ID: 3, Command: "c", Expect: "3"},
	)
	e := scan.New(runner)
	first := e.Run(context.Background(), p)
	second := e.Run(context.Background(), p)
	assert.Equal(t, first, second)
	assert.LessOrEqual(t, first.PassedChecks, first.TotalChecks)
	assert.EqualValues(t, len(first.Results), first.TotalChecks)
	assert.EqualValues(t, 67, first.Score)
}

func TestRunWithShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh probes are not available on windows")
	}
	r := scan.New(probe.Shell{}).Run(context.Background(), policy(
		compliance.Rule{ID: 1, Title: "echo", Command: "echo OK", Expect: "OK"},
		compliance.Rule{ID: 2, Title: "echo", Command: "echo NO", Expect: "OK"},
	))
	assert.Equal(t, compliance.StatusPass, r.Results[0].Status)
	assert.Equal(t, compliance.StatusFail, r.Results[1].Status)
	assert.EqualValues(t, 50, r.Score)
}
