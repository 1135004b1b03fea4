package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/config"
	"github.com/plnamente/blue-taurus/internal/probe"
	"github.com/plnamente/blue-taurus/internal/scan"
	"github.com/plnamente/blue-taurus/internal/signature"
)

func TestEmbeddedKeyParses(t *testing.T) {
	_, err := parseEmbeddedKey(adminPublicKey)
	require.NoError(t, err)
}

func TestParseEmbeddedKey(t *testing.T) {
	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "plain", key: kp.PublicKey + "\n"},
		{name: "with comment", key: "# generated by bt-sign keygen\n" + kp.PublicKey + "\n"},
		{name: "empty", key: "", wantErr: errNoPublicKey},
		{name: "placeholder", key: "# Placeholder: run bt-sign keygen\n", wantErr: errNoPublicKey},
		{name: "not hex", key: "zz-not-a-key\n", wantErr: signature.ErrDecoding},
		{name: "short", key: "abcd\n", wantErr: signature.ErrDecoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseEmbeddedKey([]byte(tt.key))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, v)
				return
			}
			require.NoError(t, err)
			sig, err := signature.Sign(kp.PrivateKey, []byte("payload"))
			require.NoError(t, err)
			assert.NoError(t, v.Verify([]byte("payload"), sig))
		})
	}
}

func TestScanPolicyMissingFile(t *testing.T) {
	engine := scan.New(probe.Shell{})
	_, err := scanPolicy(context.Background(), engine, filepath.Join(t.TempDir(), "policy.yaml"))
	var loadErr *compliance.PolicyLoadError
	assert.True(t, errors.As(err, &loadErr), "got %v", err)
}

func TestScanPolicy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: smoke
name: Smoke
rules:
  - id: 1
    title: echo
    command: echo OK
    expect: OK
`), 0o600))

	report, err := scanPolicy(context.Background(), scan.New(probe.Shell{Timeout: 10 * time.Second}), path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", report.PolicyID)
	assert.Equal(t, uint32(100), report.Score)
}

func TestAgentYAMLRoundTrip(t *testing.T) {
	cfg := config.DefaultAgent()
	cfg.ServerURL = "wss://control.example.com/ws"
	cfg.Token = "enroll"
	cfg.HeartbeatInterval = 15 * time.Second
	cfg.MetricsAddr = "127.0.0.1:9101"

	data, err := agentYAML(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := config.LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestInstalledConfigMakesPathsAbsolute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	l := layout{ConfigDir: "/home/u/.config/bluetaurus"}
	cfg := config.DefaultAgent()

	got, err := installedConfig(cfg, l)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.ConfigDir, ".agent_id"), got.IdentityFile)
	assert.True(t, filepath.IsAbs(got.PolicyPath))
	assert.True(t, strings.HasSuffix(got.PolicyPath, filepath.Join("assets", "policy.yaml")))

	cfg.IdentityFile = "/var/lib/bt/id"
	got, err = installedConfig(cfg, l)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bt/id", got.IdentityFile)
}

func TestServiceTemplates(t *testing.T) {
	l := layout{
		HomeDir:    "/home/u",
		AgentPath:  "/home/u/.bluetaurus/bt-agent",
		ConfigPath: "/home/u/.config/bluetaurus/agent.yaml",
	}

	unit, err := render(systemdUnit, l)
	require.NoError(t, err)
	assert.Contains(t, string(unit), "ExecStart=/home/u/.bluetaurus/bt-agent -config /home/u/.config/bluetaurus/agent.yaml")

	plist, err := render(launchdPlist, l)
	require.NoError(t, err)
	assert.Contains(t, string(plist), "<string>"+launchdLabel+"</string>")
	assert.Contains(t, string(plist), "<string>/home/u/.config/bluetaurus/agent.yaml</string>")

	assert.Equal(t, "/home/u/.config/systemd/user/bt-agent.service", filepath.ToSlash(systemdPath(l)))
}

func TestBundledPolicyLoads(t *testing.T) {
	policy, err := compliance.LoadPolicy("../../assets/policy.yaml")
	require.NoError(t, err)
	assert.Equal(t, "cis-linux-basic", policy.ID)
	assert.NotEmpty(t, policy.Rules)
}

// staticRunner answers every probe with the same stdout.
type staticRunner string

func (r staticRunner) Run(context.Context, string) (probe.Output, error) {
	return probe.Output{Stdout: string(r) + "\n"}, nil
}

func TestBundledPasswordAgeRule(t *testing.T) {
	policy, err := compliance.LoadPolicy("../../assets/policy.yaml")
	require.NoError(t, err)

	var rule *compliance.Rule
	for i := range policy.Rules {
		if policy.Rules[i].ID == 1005 {
			rule = &policy.Rules[i]
		}
	}
	require.NotNil(t, rule, "rule 1005 missing")
	assert.Contains(t, rule.Command, "PASS_MAX_DAYS")

	single := &compliance.Policy{ID: policy.ID, Rules: []compliance.Rule{*rule}}
	tests := []struct {
		output string
		want   compliance.Status
	}{
		{output: "compliant", want: compliance.StatusPass},
		{output: "noncompliant", want: compliance.StatusFail},
		{output: "", want: compliance.StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			report := scan.New(staticRunner(tt.output)).Run(context.Background(), single)
			require.Len(t, report.Results, 1)
			assert.Equal(t, tt.want, report.Results[0].Status)
		})
	}
}

func TestScanPolicyLogsSummaryOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: once\nrules:\n  - id: 1\n    command: check\n    expect: ok\n"), 0o600))

	_, err := scanPolicy(context.Background(), scan.New(staticRunner("ok")), path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "Compliance scan finished"))
}
