package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plnamente/blue-taurus/internal/auth"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/signature"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func keygen(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := execute(t, "", "keygen", "--dir", dir)
	require.NoError(t, err)
	return dir
}

func TestKeygenWritesPair(t *testing.T) {
	dir := keygen(t)

	priv, err := readKey(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	pub, err := readKey(filepath.Join(dir, publicKeyFile))
	require.NoError(t, err)

	derived, err := signature.PublicKeyOf(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(privateKeyMode), info.Mode().Perm())
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := keygen(t)
	_, err := execute(t, "", "keygen", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "", "keygen", "--dir", dir, "--force")
	assert.NoError(t, err)
}

func TestPubkey(t *testing.T) {
	dir := keygen(t)
	out, err := execute(t, "", "pubkey", "--key", filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	pub, err := readKey(filepath.Join(dir, publicKeyFile))
	require.NoError(t, err)
	assert.Equal(t, pub, strings.TrimSpace(out))
}

func TestCommandThenVerify(t *testing.T) {
	dir := keygen(t)
	priv := filepath.Join(dir, privateKeyFile)
	pub := filepath.Join(dir, publicKeyFile)

	out, err := execute(t, "", "command", "--key", priv, "--type", "RunScript", "--args", "uname -a")
	require.NoError(t, err)

	var c protocol.Command
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, protocol.RunScript, c.CmdType)
	assert.Equal(t, "uname -a", c.ArgsOrEmpty())

	res, err := execute(t, out, "verify", "--pub", pub)
	require.NoError(t, err)
	assert.Contains(t, res, "OK: command "+c.ID.String())

	// A tampered command no longer verifies.
	tampered := strings.Replace(out, "uname -a", "rm -rf /", 1)
	_, err = execute(t, tampered, "verify", "--pub", pub)
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)
}

func TestCommandEnvelopeAndArgsFile(t *testing.T) {
	dir := keygen(t)
	policy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("id: p\nrules: []\n"), 0o600))

	out, err := execute(t, "", "command", "--key", filepath.Join(dir, privateKeyFile),
		"--type", "UpdateConfig", "--args-file", policy, "--envelope")
	require.NoError(t, err)

	msg, err := protocol.Decode([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	c, ok := msg.(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, "id: p\nrules: []\n", c.ArgsOrEmpty())

	file := filepath.Join(dir, "cmd.json")
	require.NoError(t, os.WriteFile(file, []byte(out), 0o600))
	_, err = execute(t, "", "verify", "--pub", filepath.Join(dir, publicKeyFile), file)
	assert.NoError(t, err)
}

func TestCommandRejectsUnknownType(t *testing.T) {
	dir := keygen(t)
	_, err := execute(t, "", "command", "--key", filepath.Join(dir, privateKeyFile), "--type", "FormatDisk")
	assert.Error(t, err)
}

func TestVerifyWithOtherKeyFails(t *testing.T) {
	signer := keygen(t)
	other := keygen(t)

	out, err := execute(t, "", "command", "--key", filepath.Join(signer, privateKeyFile), "--type", "RestartAgent")
	require.NoError(t, err)
	_, err = execute(t, out, "verify", "--pub", filepath.Join(other, publicKeyFile))
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)
}

func TestToken(t *testing.T) {
	out, err := execute(t, "", "token", "--secret", "s3cret", "--subject", "lab", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := auth.New("s3cret").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "lab", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)

	t.Setenv("BT_TOKEN_SECRET", "")
	_, err = execute(t, "", "token")
	assert.Error(t, err)
}
