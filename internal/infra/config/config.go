package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	REST     RESTConfig     `yaml:"rest"`
	Store    StoreConfig    `yaml:"store"`
	Presence PresenceConfig `yaml:"presence"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GatewayConfig holds the persistent session settings.
type GatewayConfig struct {
	URL            string          `yaml:"url"`
	Version        int             `yaml:"version"`
	Token          string          `yaml:"token"`
	TokenType      string          `yaml:"token_type"` // authorization prefix, e.g. "Bot"
	Intents        []string        `yaml:"intents"`    // names, see ParseIntents
	ShardID        int             `yaml:"shard_id"`
	ShardCount     int             `yaml:"shard_count"` // 0 = unsharded
	MaxConcurrency int             `yaml:"max_concurrency"`
	LargeThreshold int             `yaml:"large_threshold"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	QueueSize      int             `yaml:"queue_size"` // dispatch pipeline buffer
}

// HeartbeatConfig controls liveness tracking.
type HeartbeatConfig struct {
	// RequireAck restarts the connection when a heartbeat is due and the
	// previous one was never acknowledged.
	RequireAck bool `yaml:"require_ack"`
}

// ReconnectConfig controls supervision of dropped connections.
type ReconnectConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Jitter        bool          `yaml:"jitter"`
}

// RESTConfig holds request executor settings.
type RESTConfig struct {
	BaseURL     string               `yaml:"base_url"`
	UserAgent   string               `yaml:"user_agent"`
	MaxRetries  int                  `yaml:"max_retries"`
	GlobalRPS   float64              `yaml:"global_rps"` // 0 = no client-side throttle
	GlobalBurst int                  `yaml:"global_burst"`
	ConnTimeout time.Duration        `yaml:"conn_timeout"`
	RespTimeout time.Duration        `yaml:"resp_timeout"`
	Pool        PoolConfig           `yaml:"pool"`
	Breaker     CircuitBreakerConfig `yaml:"breaker"`
}

// PoolConfig configures HTTP connection pooling.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures the REST circuit breaker.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// StoreConfig holds identity persistence settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PresenceConfig holds the presence rotation.
type PresenceConfig struct {
	Initial   *PresenceEntry  `yaml:"initial,omitempty"`
	Rotations []PresenceEntry `yaml:"rotations,omitempty"`
}

// PresenceEntry is one status update. Schedule is a cron expression or a
// duration string and is ignored for the initial presence.
type PresenceEntry struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule,omitempty"`
	Status       string `yaml:"status"` // online, idle, dnd, invisible
	ActivityType string `yaml:"activity_type,omitempty"`
	ActivityName string `yaml:"activity_name,omitempty"`
	ActivityURL  string `yaml:"activity_url,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"` // 0 or >= 1 samples everything
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// defaultDataDir returns the persistent data directory under $HOME/.gatewayd.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".gatewayd")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:            "wss://gateway.discord.gg",
			Version:        10,
			TokenType:      "Bot",
			Intents:        []string{"guilds", "guild_messages", "direct_messages"},
			MaxConcurrency: 1,
			LargeThreshold: 50,
			Reconnect: ReconnectConfig{
				Enabled:       true,
				CheckInterval: time.Second,
				InitialDelay:  time.Second,
				Multiplier:    2.0,
				MaxDelay:      2 * time.Minute,
				Jitter:        true,
			},
			WriteTimeout: 10 * time.Second,
			QueueSize:    256,
		},
		REST: RESTConfig{
			BaseURL:     "https://discord.com/api/v10",
			UserAgent:   "DiscordBot (https://github.com/gatewayd/gatewayd, 1.0)",
			MaxRetries:  5,
			GlobalRPS:   50,
			GlobalBurst: 50,
			ConnTimeout: 10 * time.Second,
			RespTimeout: 30 * time.Second,
			Breaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    filepath.Join(defaultDataDir(), "identity.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("GATEWAYD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps GATEWAYD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAYD_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GATEWAYD_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("GATEWAYD_INTENTS"); v != "" {
		cfg.Gateway.Intents = splitList(v)
	}
	if v := os.Getenv("GATEWAYD_SHARD_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.ShardID = n
		}
	}
	if v := os.Getenv("GATEWAYD_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.ShardCount = n
		}
	}
	if v := os.Getenv("GATEWAYD_HEARTBEAT_REQUIRE_ACK"); v != "" {
		cfg.Gateway.Heartbeat.RequireAck = v == "true"
	}
	if v := os.Getenv("GATEWAYD_REST_BASE_URL"); v != "" {
		cfg.REST.BaseURL = v
	}
	if v := os.Getenv("GATEWAYD_REST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.REST.MaxRetries = n
		}
	}
	if v := os.Getenv("GATEWAYD_STORE_PATH"); v != "" {
		cfg.Store.Enabled = true
		cfg.Store.Path = v
	}
	if v := os.Getenv("GATEWAYD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GATEWAYD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GATEWAYD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GATEWAYD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("GATEWAYD_METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
