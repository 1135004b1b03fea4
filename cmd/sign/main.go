// Package main implements bt-sign, the administrator tool that manages the
// command-signing key pair, signs and verifies commands and issues enrollment tokens.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plnamente/blue-taurus/internal/auth"
	"github.com/plnamente/blue-taurus/internal/command"
	"github.com/plnamente/blue-taurus/internal/protocol"
	"github.com/plnamente/blue-taurus/internal/signature"
)

const (
	privateKeyFile = "admin_private.key"
	publicKeyFile  = "agent_public.key"

	privateKeyMode = 0o600
	publicKeyMode  = 0o644
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bt-sign",
		Short: "Manage Blue Taurus command signing keys and enrollment tokens",
		Long: `bt-sign generates the ed25519 key pair that authenticates server commands,
signs and verifies individual commands, and issues handshake tokens for agents.

The private key stays with the server. Copy agent_public.key to
cmd/agent/admin_public.key and rebuild the agent to trust it.`,
		SilenceUsage: true,
	}
	root.AddCommand(newKeygenCmd(), newPubkeyCmd(), newCommandCmd(), newVerifyCmd(), newTokenCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath := filepath.Join(dir, privateKeyFile)
			pubPath := filepath.Join(dir, publicKeyFile)
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}

			kp, err := signature.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // key directory, files carry their own modes
				return err
			}
			if err := os.WriteFile(privPath, []byte(kp.PrivateKey+"\n"), privateKeyMode); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, []byte(kp.PublicKey+"\n"), publicKeyMode); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key (server only): %s\n", privPath)
			fmt.Fprintf(out, "Public key (embed in agent): %s\n", pubPath)
			fmt.Fprintf(out, "\n%s\n", kp.PublicKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write the key files to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")
	return cmd
}

func newPubkeyCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key for a private key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := readKey(keyPath)
			if err != nil {
				return err
			}
			pub, err := signature.PublicKeyOf(priv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", privateKeyFile, "Private key file")
	return cmd
}

func newCommandCmd() *cobra.Command {
	var (
		keyPath  string
		cmdType  string
		args     string
		argsFile string
		envelope bool
	)
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Build and sign a command as JSON",
		Example: `  bt-sign command --type RunScript --args 'uname -a'
  bt-sign command --type UpdateConfig --args-file assets/policy.yaml --envelope`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := protocol.CommandType(cmdType)
			if !t.Valid() {
				return fmt.Errorf("unknown command type %q (RunScript, UpdateConfig, RestartAgent)", cmdType)
			}
			priv, err := readKey(keyPath)
			if err != nil {
				return err
			}
			issuer, err := command.NewIssuer(priv)
			if err != nil {
				return err
			}

			var argp *string
			switch {
			case argsFile != "":
				data, err := os.ReadFile(argsFile)
				if err != nil {
					return fmt.Errorf("read args file: %w", err)
				}
				s := string(data)
				argp = &s
			case cmd.Flags().Changed("args"):
				argp = &args
			}

			c, err := issuer.Issue(t, argp)
			if err != nil {
				return err
			}
			var data []byte
			if envelope {
				data, err = protocol.Encode(c)
			} else {
				data, err = json.MarshalIndent(c, "", "  ")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", privateKeyFile, "Private key file")
	cmd.Flags().StringVar(&cmdType, "type", string(protocol.RunScript), "Command type")
	cmd.Flags().StringVar(&args, "args", "", "Command arguments")
	cmd.Flags().StringVar(&argsFile, "args-file", "", "Read command arguments from a file")
	cmd.Flags().BoolVar(&envelope, "envelope", false, "Wrap the command in a wire envelope")
	cmd.MarkFlagsMutuallyExclusive("args", "args-file")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var pubPath string
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Verify a signed command read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := readKey(pubPath)
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }() //nolint:errcheck // read-only
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			c, err := parseCommand(data)
			if err != nil {
				return err
			}
			if err := signature.Verify(pub, c.SigningPayload(), c.Signature); err != nil {
				return fmt.Errorf("command %s: %w", c.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: command %s (%s) is signed by this key\n", c.ID, c.CmdType)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubPath, "pub", publicKeyFile, "Public key file")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an agent enrollment token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("BT_TOKEN_SECRET")
			}
			if secret == "" {
				return errors.New("a secret is required (--secret or BT_TOKEN_SECRET)")
			}
			tok, err := auth.New(secret).Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret shared with the server")
	cmd.Flags().StringVar(&subject, "subject", "fleet", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0 for no expiry)")
	return cmd
}

// parseCommand accepts either a bare Command or a wire envelope carrying one.
func parseCommand(data []byte) (protocol.Command, error) {
	if msg, err := protocol.Decode(data); err == nil {
		if c, ok := msg.(protocol.Command); ok {
			return c, nil
		}
		return protocol.Command{}, fmt.Errorf("envelope carries %s, not a Command", msg.MessageType())
	}
	var c protocol.Command
	if err := json.Unmarshal(data, &c); err != nil {
		return protocol.Command{}, fmt.Errorf("parse command: %w", err)
	}
	return c, nil
}

func readKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
