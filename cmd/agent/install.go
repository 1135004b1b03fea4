package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/plnamente/blue-taurus/internal/config"
)

const (
	installDir   = ".bluetaurus"
	agentName    = "bt-agent"
	configName   = "agent.yaml"
	serviceName  = "bt-agent.service"
	launchdLabel = "io.bluetaurus.agent"
)

var errUnsupportedOS = errors.New("unsupported operating system")

// layout is where an installed agent lives.
type layout struct {
	HomeDir    string
	AgentPath  string
	ConfigDir  string
	ConfigPath string
}

func installLayout() (layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return layout{}, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return layout{}, fmt.Errorf("failed to get user config directory: %w", err)
	}
	cfgDir := filepath.Join(cfgRoot, "bluetaurus")
	return layout{
		HomeDir:    home,
		AgentPath:  filepath.Join(home, installDir, agentName),
		ConfigDir:  cfgDir,
		ConfigPath: filepath.Join(cfgDir, configName),
	}, nil
}

// installedConfig rewrites relative paths so the service finds its files
// regardless of its working directory.
func installedConfig(cfg config.AgentConfig, l layout) (config.AgentConfig, error) {
	if !filepath.IsAbs(cfg.IdentityFile) {
		cfg.IdentityFile = filepath.Join(l.ConfigDir, filepath.Base(cfg.IdentityFile))
	}
	if !filepath.IsAbs(cfg.PolicyPath) {
		abs, err := filepath.Abs(cfg.PolicyPath)
		if err != nil {
			return cfg, err
		}
		cfg.PolicyPath = abs
	}
	return cfg, nil
}

// agentYAML renders cfg in the form config.LoadAgent reads back.
func agentYAML(cfg config.AgentConfig) ([]byte, error) {
	doc := map[string]any{
		"server_url":         cfg.ServerURL,
		"token":              cfg.Token,
		"policy":             cfg.PolicyPath,
		"identity_file":      cfg.IdentityFile,
		"heartbeat_interval": cfg.HeartbeatInterval.String(),
		"reconnect_backoff":  cfg.ReconnectBackoff.String(),
		"probe_timeout":      cfg.ProbeTimeout.String(),
		"log":                cfg.Log,
	}
	if cfg.MetricsAddr != "" {
		doc["metrics_addr"] = cfg.MetricsAddr
	}
	return yaml.Marshal(doc)
}

// installAgent copies the running binary into the user's home, writes its
// configuration and registers it to start at login.
func installAgent(cfg config.AgentConfig) error {
	l, err := installLayout()
	if err != nil {
		return err
	}
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return fmt.Errorf("%w: %s", errUnsupportedOS, runtime.GOOS)
	}

	if err := os.MkdirAll(filepath.Dir(l.AgentPath), 0o755); err != nil { //nolint:gosec // program directory
		return fmt.Errorf("failed to create directory: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if exe != l.AgentPath {
		if err := installExecutable(exe, l.AgentPath); err != nil {
			return err
		}
	}

	cfg, err = installedConfig(cfg, l)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := agentYAML(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// The enrollment token lives here, so only the owner may read it.
	if err := os.WriteFile(l.ConfigPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	log.Info().Str("path", l.ConfigPath).Msg("Configuration written")

	if runtime.GOOS == "darwin" {
		return installLaunchd(l)
	}
	return installSystemd(l)
}

// uninstallAgent removes the autostart entry and the binary. Configuration and identity are kept.
func uninstallAgent() error {
	l, err := installLayout()
	if err != nil {
		return err
	}
	switch runtime.GOOS {
	case "darwin":
		plist := launchdPath(l)
		_ = exec.Command("launchctl", "unload", plist).Run() //nolint:errcheck,noctx // best effort
		if err := os.Remove(plist); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove plist: %w", err)
		}
	case "linux":
		_ = exec.Command("systemctl", "--user", "disable", "--now", serviceName).Run() //nolint:errcheck,noctx // best effort
		if err := os.Remove(systemdPath(l)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove service file: %w", err)
		}
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run() //nolint:errcheck,noctx // best effort
	default:
		return fmt.Errorf("%w: %s", errUnsupportedOS, runtime.GOOS)
	}
	if err := os.Remove(l.AgentPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove executable: %w", err)
	}
	_ = os.Remove(filepath.Dir(l.AgentPath)) //nolint:errcheck // may hold other files
	return nil
}

// installExecutable copies src to dst, going through a temp file when dst is busy.
func installExecutable(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read executable: %w", err)
	}
	err = os.WriteFile(dst, data, 0o755) //nolint:gosec // executable needs execute permission
	if err == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "text file busy") {
		return fmt.Errorf("failed to copy executable: %w", err)
	}
	tmp := dst + ".new"
	if err := os.WriteFile(tmp, data, 0o755); err != nil { //nolint:gosec // executable needs execute permission
		return fmt.Errorf("failed to copy executable to temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to replace executable: %w", err)
	}
	return nil
}

var systemdUnit = template.Must(template.New("unit").Parse(`[Unit]
Description=Blue Taurus Compliance Agent
After=network-online.target

[Service]
Type=simple
ExecStart={{.AgentPath}} -config {{.ConfigPath}}
Restart=always
RestartSec=30

[Install]
WantedBy=default.target
`))

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabel + `</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.AgentPath}}</string>
        <string>-config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>{{.HomeDir}}/Library/Logs/bt-agent.log</string>
</dict>
</plist>
`))

func render(t *template.Template, l layout) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, l); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

func systemdPath(l layout) string {
	return filepath.Join(l.HomeDir, ".config", "systemd", "user", serviceName)
}

func launchdPath(l layout) string {
	return filepath.Join(l.HomeDir, "Library", "LaunchAgents", launchdLabel+".plist")
}

func installSystemd(l layout) error {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return errors.New("systemctl not found; start the agent with your own supervisor")
	}
	unit, err := render(systemdUnit, l)
	if err != nil {
		return err
	}
	path := systemdPath(l)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // standard permissions for systemd units
		return fmt.Errorf("failed to create systemd directory: %w", err)
	}
	if err := os.WriteFile(path, unit, 0o644); err != nil { //nolint:gosec // unit files are world readable
		return fmt.Errorf("failed to write service file: %w", err)
	}
	for _, args := range [][]string{
		{"--user", "daemon-reload"},
		{"--user", "enable", "--now", serviceName},
	} {
		if out, err := exec.Command("systemctl", args...).CombinedOutput(); err != nil { //nolint:noctx // local command
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, out)
		}
	}
	log.Info().Str("unit", path).Msg("Systemd user service started")
	return nil
}

func installLaunchd(l layout) error {
	plist, err := render(launchdPlist, l)
	if err != nil {
		return err
	}
	path := launchdPath(l)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // standard permissions for LaunchAgents
		return fmt.Errorf("failed to create LaunchAgents directory: %w", err)
	}
	if err := os.WriteFile(path, plist, 0o644); err != nil { //nolint:gosec // plist files are world readable
		return fmt.Errorf("failed to write plist: %w", err)
	}
	_ = exec.Command("launchctl", "unload", path).Run() //nolint:errcheck,noctx // may not be loaded yet
	if out, err := exec.Command("launchctl", "load", path).CombinedOutput(); err != nil { //nolint:noctx // local command
		return fmt.Errorf("failed to load launch agent: %w: %s", err, out)
	}
	log.Info().Str("plist", path).Msg("Launch agent loaded")
	return nil
}
