// Package main implements the Blue Taurus agent that reports host state and
// compliance posture to the server and runs signed commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/command"
	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/config"
	"github.com/plnamente/blue-taurus/internal/hostinfo"
	"github.com/plnamente/blue-taurus/internal/identity"
	"github.com/plnamente/blue-taurus/internal/probe"
	"github.com/plnamente/blue-taurus/internal/scan"
	"github.com/plnamente/blue-taurus/internal/session"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 30 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to agent.yaml (optional; BT_* environment variables override it)")
	scanOnly   = flag.Bool("scan", false, "Run the compliance scan once, print the report as JSON and exit")
	install    = flag.Bool("install", false, "Install the agent to start at login")
	uninstall  = flag.Bool("uninstall", false, "Remove the installed agent")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.Log.ConfigureZerolog("agent")

	switch {
	case *install:
		if err := installAgent(cfg); err != nil {
			log.Fatal().Err(err).Msg("Install failed")
		}
		log.Info().Msg("Agent installed")
		return
	case *uninstall:
		if err := uninstallAgent(); err != nil {
			log.Fatal().Err(err).Msg("Uninstall failed")
		}
		log.Info().Msg("Agent uninstalled")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := probe.Shell{Timeout: cfg.ProbeTimeout}
	engine := scan.New(runner)

	if *scanOnly {
		report, err := scanPolicy(ctx, engine, cfg.PolicyPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Scan skipped")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatal().Err(err).Msg("Failed to write report")
		}
		return
	}

	err = run(ctx, cfg, runner, engine)
	stop()
	switch {
	case errors.Is(err, session.ErrRestartRequested):
		log.Info().Msg("Restarting agent")
		if err := restart(); err != nil {
			log.Fatal().Err(err).Msg("Restart failed")
		}
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Agent stopped")
	case err != nil:
		log.Fatal().Err(err).Msg("Agent failed")
	}
}

func run(ctx context.Context, cfg config.AgentConfig, runner probe.Runner, engine *scan.Engine) error {
	agentID, err := identity.Load(identity.FileStore{Path: cfg.IdentityFile})
	if err != nil {
		if agentID == uuid.Nil {
			return fmt.Errorf("load agent id: %w", err)
		}
		log.Warn().Err(err).Msg("Agent id not persisted, it will change on next start")
	}
	logger := log.With().Str("agent_id", agentID.String()).Logger()

	host := hostinfo.New(runner).Collect(ctx)
	logger.Info().Str("hostname", host.Hostname).Str("os", host.OSName).Str("os_version", host.OSVersion).
		Int("software", len(host.Software)).Msg("Host information collected")

	mgr := session.New(session.Config{
		URL:               cfg.ServerURL,
		AgentID:           agentID,
		HostInfo:          host,
		Token:             cfg.Token,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBackoff:  cfg.ReconnectBackoff,
	},
		session.WSDialer{
			Dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
			WriteTimeout: writeTimeout,
		},
		commandVerifier(),
		&command.Executor{Runner: runner, Engine: engine, PolicyPath: cfg.PolicyPath},
	)

	if report, err := scanPolicy(ctx, engine, cfg.PolicyPath); err != nil {
		logger.Warn().Err(err).Msg("Compliance scan skipped, connecting without a report")
	} else {
		mgr.SetReport(&report)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	logger.Info().Str("url", cfg.ServerURL).Msg("Agent started")
	return mgr.Run(ctx)
}

// scanPolicy loads the policy at path and scans it. A *compliance.PolicyLoadError means no scan ran.
func scanPolicy(ctx context.Context, engine *scan.Engine, path string) (compliance.Report, error) {
	policy, err := compliance.LoadPolicy(path)
	if err != nil {
		return compliance.Report{}, err
	}
	return engine.Run(ctx, policy), nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // process is exiting
	}()
	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
