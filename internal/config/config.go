// Package config loads agent and server configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// environment variables. Every key is optional.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent defaults.
const (
	DefaultServerURL         = "ws://localhost:3000/ws"
	DefaultToken             = "dev-token"
	DefaultPolicyPath        = "assets/policy.yaml"
	DefaultIdentityFile      = ".agent_id"
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectBackoff  = 5 * time.Second
	DefaultProbeTimeout      = 60 * time.Second
)

// Server defaults.
const (
	DefaultListen      = ":3000"
	DefaultStoreDriver = "sqlite"
	DefaultSQLitePath  = "bluetaurus.db"
	DefaultNATSSubject = "bt.logs.v1"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverGit      = "git"
)

// AgentConfig configures cmd/agent.
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url"`
	Token             string        `yaml:"token"`
	PolicyPath        string        `yaml:"policy"`
	IdentityFile      string        `yaml:"identity_file"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	// MetricsAddr enables a Prometheus listener when set, e.g. "127.0.0.1:9101".
	MetricsAddr string    `yaml:"metrics_addr"`
	Log         LogConfig `yaml:"log"`
}

// StoreConfig selects the server's persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a postgres connection string or a sqlite file path.
	DSN string `yaml:"dsn"`
	// GitURL is cloned into a temp directory; GitClone is an existing local checkout.
	GitURL   string `yaml:"git_url"`
	GitClone string `yaml:"git_clone"`
}

// NATSConfig configures the report feed. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// APIKey guards command submission when set.
	APIKey string `yaml:"api_key"`
	// TokenSecret enables HS256 handshake tokens when set.
	TokenSecret string `yaml:"token_secret"`
	// SigningKey is the hex admin private key; SigningKeyFile is read when SigningKey is empty.
	SigningKey     string      `yaml:"signing_key"`
	SigningKeyFile string      `yaml:"signing_key_file"`
	Store          StoreConfig `yaml:"store"`
	NATS           NATSConfig  `yaml:"nats"`
	Log            LogConfig   `yaml:"log"`
}

// DefaultAgent returns the agent configuration used when nothing overrides it.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		ServerURL:         DefaultServerURL,
		Token:             DefaultToken,
		PolicyPath:        DefaultPolicyPath,
		IdentityFile:      DefaultIdentityFile,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectBackoff:  DefaultReconnectBackoff,
		ProbeTimeout:      DefaultProbeTimeout,
		Log:               DefaultLog(),
	}
}

// DefaultServer returns the server configuration used when nothing overrides it.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Listen: DefaultListen,
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			DSN:    DefaultSQLitePath,
		},
		NATS: NATSConfig{Subject: DefaultNATSSubject},
		Log:  DefaultLog(),
	}
}

// LoadAgent reads path (skipped when empty) over the defaults, then applies environment overrides.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgent()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	env := envReader{}
	env.str("BT_SERVER_URL", &cfg.ServerURL)
	env.str("BT_TOKEN", &cfg.Token)
	env.str("BT_POLICY", &cfg.PolicyPath)
	env.str("BT_IDENTITY_FILE", &cfg.IdentityFile)
	env.duration("BT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	env.duration("BT_RECONNECT_BACKOFF", &cfg.ReconnectBackoff)
	env.duration("BT_PROBE_TIMEOUT", &cfg.ProbeTimeout)
	env.str("BT_METRICS_ADDR", &cfg.MetricsAddr)
	env.log(&cfg.Log)
	if err := env.err(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadServer reads path (skipped when empty) over the defaults, then applies environment overrides.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	env := envReader{}
	env.str("BT_LISTEN", &cfg.Listen)
	env.str("BT_API_KEY", &cfg.APIKey)
	env.str("BT_TOKEN_SECRET", &cfg.TokenSecret)
	env.str("BT_SIGNING_KEY", &cfg.SigningKey)
	env.str("BT_SIGNING_KEY_FILE", &cfg.SigningKeyFile)
	env.str("BT_STORE_DRIVER", &cfg.Store.Driver)
	env.str("DATABASE_URL", &cfg.Store.DSN)
	env.str("BT_GIT_URL", &cfg.Store.GitURL)
	env.str("BT_GIT_CLONE", &cfg.Store.GitClone)
	env.str("BT_NATS_URL", &cfg.NATS.URL)
	env.str("BT_NATS_SUBJECT", &cfg.NATS.Subject)
	env.log(&cfg.Log)
	if err := env.err(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server_url: missing host")
	}
	if c.PolicyPath == "" {
		return errors.New("policy: path is required")
	}
	if c.IdentityFile == "" {
		return errors.New("identity_file: path is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("reconnect_backoff must be positive, got %v", c.ReconnectBackoff)
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen: address is required")
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverGit:
		if c.Store.GitURL == "" && c.Store.GitClone == "" {
			return errors.New("store: git driver needs git_url or git_clone")
		}
		if c.Store.GitURL != "" && c.Store.GitClone != "" {
			return errors.New("store: cannot specify both git_url and git_clone")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	// Dispatch signs on behalf of whoever calls the API.
	if (c.SigningKey != "" || c.SigningKeyFile != "") && c.APIKey == "" {
		return errors.New("api_key is required when a signing key is configured")
	}
	return nil
}

func loadYAML(path string, target any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envReader applies set environment variables and collects parse errors.
type envReader struct {
	errs []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (r *envReader) log(c *LogConfig) {
	r.str("BT_LOG_LEVEL", &c.Level)
	r.str("BT_LOG_FORMAT", &c.Format)
	r.boolean("BT_DEBUG", &c.Debug)
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}
