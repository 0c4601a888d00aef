// Package config loads the application's configuration from a YAML file,
// expanding environment variables over the raw bytes before parsing, the way
// this codebase's ancestor services configure themselves.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/dspm/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	AI            AIConfig            `yaml:"ai"`
	Redis         RedisConfig         `yaml:"redis"`
	S3            S3Config            `yaml:"s3"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server configuration for the control-plane API.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ScannerConfig tunes the Scanner Set's (C1) file-discovery walk.
type ScannerConfig struct {
	Workers          int      `yaml:"scan_workers"`
	MaxBytesPerFile  int64    `yaml:"rule_max_bytes_per_file"`
	IgnoredPathExtra []string `yaml:"ignored_path_extra"`
}

// PipelineConfig tunes the Orchestrator's (C8) end-to-end run.
type PipelineConfig struct {
	GlobalDeadline time.Duration `yaml:"global_deadline_ms"`
}

// AIConfig configures the AI Collaborator Adapter (C4).
type AIConfig struct {
	Enabled     bool          `yaml:"ai_enabled"`
	ModelID     string        `yaml:"ai_model_id"`
	MaxTokens   int           `yaml:"ai_max_tokens"`
	Temperature float64       `yaml:"ai_temperature"`
	Timeout     time.Duration `yaml:"ai_timeout_ms"`
	MaxRetries  int           `yaml:"ai_max_retries"`
	TokenBudget int           `yaml:"ai_token_budget"` // pipeline-wide cap; 0 means unlimited
}

// RedisConfig configures the ephemeral per-stage Result Store Adapter (C5).
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Addr returns the Redis address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// S3Config configures the durable report mirror and remote project_path
// archive resolution (s3:// URIs).
type S3Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
}

// DatabaseConfig configures the durable Scan History Store, distinct from
// the ephemeral Redis-backed Result Store Adapter.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// AuthConfig holds bearer-token auth configuration for the control-plane API.
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	AccessTokenExpiry time.Duration `yaml:"access_token_expiry"`
}

// SchedulerConfig configures periodic re-scan of a fixed project_path.
type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CronExpr    string `yaml:"cron_expr"`
	ProjectPath string `yaml:"project_path"`
}

// NotificationsConfig holds notification configuration.
type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

// SlackNotifyConfig holds Slack notification settings.
type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// EmailNotifyConfig holds email notification settings.
type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Load reads and parses configuration from a YAML file, expanding
// environment variables over the raw bytes first so deployments can inject
// secrets without a templating layer.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for unset values
	cfg.applyDefaults()

	return &cfg, nil
}

// defaultConfig returns a configuration with sensible defaults.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	// Scanner defaults
	if c.Scanner.Workers == 0 {
		c.Scanner.Workers = 4
	}
	if c.Scanner.MaxBytesPerFile == 0 {
		c.Scanner.MaxBytesPerFile = 1_048_576
	}

	// Pipeline defaults
	if c.Pipeline.GlobalDeadline == 0 {
		c.Pipeline.GlobalDeadline = 15 * time.Minute
	}

	// AI defaults
	if c.AI.ModelID == "" {
		c.AI.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = 2000
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.1
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 30 * time.Second
	}
	if c.AI.MaxRetries == 0 {
		c.AI.MaxRetries = 2
	}

	// Redis defaults
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}

	// S3 defaults
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}

	// Database defaults
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	// Auth defaults
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}

	// Scheduler defaults
	if c.Scheduler.CronExpr == "" {
		c.Scheduler.CronExpr = "0 0 * * *"
	}

	// Notifications defaults
	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
