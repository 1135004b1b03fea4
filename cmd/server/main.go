// Package main implements the Blue Taurus server that tracks agents, stores
// their reports and relays signed commands to them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/auth"
	"github.com/plnamente/blue-taurus/internal/command"
	"github.com/plnamente/blue-taurus/internal/config"
	"github.com/plnamente/blue-taurus/internal/events"
	"github.com/plnamente/blue-taurus/internal/hub"
	"github.com/plnamente/blue-taurus/internal/store"
	"github.com/plnamente/blue-taurus/internal/store/gitstore"
	"github.com/plnamente/blue-taurus/internal/store/sqlstore"
)

const (
	// HTTP timeouts.
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

var configPath = flag.String("config", "", "Path to server.yaml (optional; BT_* environment variables override it)")

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.Log.ConfigureZerolog("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing store")
		}
	}()

	var pub events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		pub = np
		log.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("Publishing reports to NATS")
	}
	defer pub.Close()

	issuer, err := loadIssuer(cfg)
	if err != nil {
		return err
	}
	if issuer == nil {
		log.Warn().Msg("No signing key configured, command dispatch is disabled")
	}

	authn := auth.New(cfg.TokenSecret)
	if !authn.Enabled() {
		log.Warn().Msg("No token secret configured, agents are accepted without enrollment tokens")
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("No API key configured, agent deletion is unauthenticated")
	}

	h := hub.New(st, pub, authn)
	go h.ProcessFailedWrites(ctx, 0)

	srv := &Server{store: st, hub: h, issuer: issuer, apiKey: cfg.APIKey}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("store", cfg.Store.Driver).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if n := h.Pending(); n > 0 {
		log.Warn().Int("pending", n).Msg("Exiting with unsaved agent writes")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlstore.Open(ctx, sqlstore.SQLite, cfg.DSN)
	case config.DriverPostgres:
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.DSN)
	case config.DriverGit:
		if cfg.GitClone == "" {
			return gitstore.New(ctx, cfg.GitURL)
		}
		// gitstore treats absolute and ./ paths as a checkout to work in directly.
		dir, err := filepath.Abs(cfg.GitClone)
		if err != nil {
			return nil, err
		}
		return gitstore.New(ctx, dir)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// loadIssuer returns nil without error when no signing key is configured.
func loadIssuer(cfg config.ServerConfig) (*command.Issuer, error) {
	key := cfg.SigningKey
	if key == "" && cfg.SigningKeyFile != "" {
		data, err := os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		key = strings.TrimSpace(string(data))
	}
	if key == "" {
		return nil, nil //nolint:nilnil // dispatch disabled
	}
	issuer, err := command.NewIssuer(key)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return issuer, nil
}
