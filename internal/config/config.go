// Package config loads and validates backend configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores for local development.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// ProtocolConfig governs the crawler wire protocol limits.
type ProtocolConfig struct {
	FrameBufferBytes       int `mapstructure:"frame_buffer_bytes"`
	MaxFrameBytes          int `mapstructure:"max_frame_bytes"`
	MaxMessageBytes        int `mapstructure:"max_message_bytes"`
	HeartbeatMinIntervalMs int `mapstructure:"heartbeat_min_interval_ms"`
}

// HeartbeatConfig tunes the connection health monitor.
type HeartbeatConfig struct {
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
	TimeoutSeconds       int `mapstructure:"timeout_seconds"`
	MaxMissed            int `mapstructure:"max_missed"`
}

// RecoveryConfig tunes the automatic job recovery sweeps.
type RecoveryConfig struct {
	IntervalMinutes     int `mapstructure:"interval_minutes"`
	StartupGraceSeconds int `mapstructure:"startup_grace_seconds"`
	FailedBatchSize     int `mapstructure:"failed_batch_size"`
	StuckBatchSize      int `mapstructure:"stuck_batch_size"`
	StuckThresholdHours int `mapstructure:"stuck_threshold_hours"`
}

// DiscoveryConfig tunes discovery-job scheduling.
type DiscoveryConfig struct {
	CooldownHours int    `mapstructure:"cooldown_hours"`
	GitLabHost    string `mapstructure:"gitlab_host"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GLFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("protocol.frame_buffer_bytes", 1<<20)
	v.SetDefault("protocol.max_frame_bytes", 1<<20)
	v.SetDefault("protocol.max_message_bytes", 1<<20)
	v.SetDefault("protocol.heartbeat_min_interval_ms", 1000)
	v.SetDefault("heartbeat.check_interval_seconds", 10)
	v.SetDefault("heartbeat.timeout_seconds", 30)
	v.SetDefault("heartbeat.max_missed", 3)
	v.SetDefault("recovery.interval_minutes", 30)
	v.SetDefault("recovery.startup_grace_seconds", 120)
	v.SetDefault("recovery.failed_batch_size", 50)
	v.SetDefault("recovery.stuck_batch_size", 20)
	v.SetDefault("recovery.stuck_threshold_hours", 2)
	v.SetDefault("discovery.cooldown_hours", 48)
	v.SetDefault("discovery.gitlab_host", "https://gitlab.com")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Protocol.FrameBufferBytes <= 0 {
		return fmt.Errorf("protocol.frame_buffer_bytes must be > 0")
	}
	if c.Protocol.MaxFrameBytes > c.Protocol.FrameBufferBytes {
		return fmt.Errorf("protocol.max_frame_bytes must not exceed protocol.frame_buffer_bytes")
	}
	if c.Heartbeat.TimeoutSeconds <= 0 || c.Heartbeat.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat intervals must be > 0")
	}
	if c.Heartbeat.MaxMissed <= 0 {
		return fmt.Errorf("heartbeat.max_missed must be > 0")
	}
	if c.Recovery.IntervalMinutes <= 0 {
		return fmt.Errorf("recovery.interval_minutes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Discovery.GitLabHost == "" {
		return fmt.Errorf("discovery.gitlab_host is required")
	}
	return nil
}

// ServerTimeout converts the server timeout to a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// HeartbeatCheckInterval converts the monitor check cadence to a duration.
func (c Config) HeartbeatCheckInterval() time.Duration {
	return time.Duration(c.Heartbeat.CheckIntervalSeconds) * time.Second
}

// HeartbeatTimeout converts the heartbeat staleness budget to a duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

// RecoveryInterval converts the sweep cadence to a duration.
func (c Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalMinutes) * time.Minute
}

// StartupGrace converts the startup sweep delay to a duration.
func (c Config) StartupGrace() time.Duration {
	return time.Duration(c.Recovery.StartupGraceSeconds) * time.Second
}

// StuckThreshold converts the stuck-job staleness cutoff to a duration.
func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.Recovery.StuckThresholdHours) * time.Hour
}

// DiscoveryCooldown converts the discovery rate limit to a duration.
func (c Config) DiscoveryCooldown() time.Duration {
	return time.Duration(c.Discovery.CooldownHours) * time.Hour
}

// ConnLifetime converts the pool connection lifetime to a duration.
func (c DBConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinute) * time.Minute
}

// HeartbeatMinInterval converts the validator rate limit to a duration.
func (c ProtocolConfig) HeartbeatMinInterval() time.Duration {
	return time.Duration(c.HeartbeatMinIntervalMs) * time.Millisecond
}
