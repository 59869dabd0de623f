package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "chatbridge"
	DefaultPGSSLMode       = "disable"
	DefaultGraphBaseURL    = "https://graph.facebook.com/v18.0"
	DefaultSessionTTLDays  = 365
	DefaultDrainBatchSize  = 5
	DefaultRefreshWindow   = 7
	DefaultStaleClaimSecs  = 300
	DefaultRuntimeTimeout  = 15
	DefaultSendTimeout     = 10
	DefaultJWTExpiresIn    = "24h"
	DefaultRefreshSchedule = "0 3 * * *"
	DefaultCleanupSchedule = "30 3 * * *"
	DefaultDrainSchedule   = "@every 30s"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Provider ProviderConfig `toml:"provider"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Sessions SessionConfig  `toml:"sessions"`
	Queue    QueueConfig    `toml:"queue"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Jobs     JobsConfig     `toml:"jobs"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr    string `toml:"addr"`
	SiteURL string `toml:"site_url"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
	URL      string `toml:"url"`
}

// ProviderConfig covers the social platform's Graph-style API and webhook auth.
type ProviderConfig struct {
	AppSecret       string `toml:"app_secret"`
	GraphBaseURL    string `toml:"graph_base_url"`
	SkipSignature   bool   `toml:"skip_signature_check"`
	AppID           string `toml:"app_id"`
	SendTimeoutSecs int    `toml:"send_timeout_seconds"`
}

// RuntimeConfig points at the conversational-AI runtime.
type RuntimeConfig struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	TimeoutSecs int    `toml:"timeout_seconds"`
}

type SessionConfig struct {
	TTLDays int `toml:"ttl_days"`
}

type QueueConfig struct {
	BatchSize      int `toml:"batch_size"`
	MaxRetries     int `toml:"max_retries"`
	StaleClaimSecs int `toml:"stale_claim_seconds"`
}

type RefreshConfig struct {
	WindowDays int `toml:"window_days"`
}

type JobsConfig struct {
	RefreshSchedule string `toml:"refresh_schedule"`
	CleanupSchedule string `toml:"cleanup_schedule"`
	DrainSchedule   string `toml:"drain_schedule"`
}

// DSN builds a pgx connection string, preferring an explicit URL.
func (c PostgresConfig) DSN() string {
	if strings.TrimSpace(c.URL) != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Provider: ProviderConfig{
			GraphBaseURL:    DefaultGraphBaseURL,
			SendTimeoutSecs: DefaultSendTimeout,
		},
		Runtime: RuntimeConfig{
			TimeoutSecs: DefaultRuntimeTimeout,
		},
		Sessions: SessionConfig{
			TTLDays: DefaultSessionTTLDays,
		},
		Queue: QueueConfig{
			BatchSize:      DefaultDrainBatchSize,
			MaxRetries:     3,
			StaleClaimSecs: DefaultStaleClaimSecs,
		},
		Refresh: RefreshConfig{
			WindowDays: DefaultRefreshWindow,
		},
		Jobs: JobsConfig{
			RefreshSchedule: DefaultRefreshSchedule,
			CleanupSchedule: DefaultCleanupSchedule,
			DrainSchedule:   DefaultDrainSchedule,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of config.toml.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATBRIDGE_APP_SECRET"); v != "" {
		cfg.Provider.AppSecret = v
	}
	if v := os.Getenv("CHATBRIDGE_DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("CHATBRIDGE_AI_API_KEY"); v != "" {
		cfg.Runtime.APIKey = v
	}
	if v := os.Getenv("CHATBRIDGE_AI_BASE_URL"); v != "" {
		cfg.Runtime.BaseURL = v
	}
	if v := os.Getenv("CHATBRIDGE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CHATBRIDGE_SITE_URL"); v != "" {
		cfg.Server.SiteURL = v
	}
}

// Validate rejects configurations that cannot start safely.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Provider.AppSecret) == "" && !c.Provider.SkipSignature {
		return fmt.Errorf("provider app_secret is required (or set skip_signature_check explicitly)")
	}
	if strings.TrimSpace(c.Runtime.BaseURL) == "" {
		return fmt.Errorf("runtime base_url is required")
	}
	if strings.TrimSpace(c.Runtime.APIKey) == "" {
		return fmt.Errorf("runtime api_key is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}
	return nil
}
