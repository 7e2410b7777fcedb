package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete process configuration for the autobilling engine.
// This is deployment configuration (ports, credentials, tuning); the billing
// rule set itself lives in the versioned configuration document managed by
// the store.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Engine        EngineConfig        `mapstructure:"engine"`
	ClaimService  ClaimServiceConfig  `mapstructure:"claim_service"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig contains Postgres configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.Username, d.Password, d.SSLMode)
}

// KafkaConfig contains Kafka consumer/producer configuration.
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration.
type TopicsConfig struct {
	// Input topics (facts emitted by clinical/billing collaborators)
	EpisodeEvents       string `mapstructure:"episode_events"`
	VisitEvents         string `mapstructure:"visit_events"`
	AuthorizationEvents string `mapstructure:"authorization_events"`

	// Output topics (execution outcomes and violation events)
	ExecutionOutcomes string `mapstructure:"execution_outcomes"`
	ViolationEvents   string `mapstructure:"violation_events"`
}

// EngineConfig contains engine tick intervals.
type EngineConfig struct {
	SchedulerTick      time.Duration `mapstructure:"scheduler_tick"`
	EscalationTick     time.Duration `mapstructure:"escalation_tick"`
	DeferredActionTick time.Duration `mapstructure:"deferred_action_tick"`
	RetentionSweep     time.Duration `mapstructure:"retention_sweep"`
}

// ClaimServiceConfig points at the external claim-generation service invoked
// by generate_ub04 and submit_claim actions.
type ClaimServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotificationsConfig contains channel transport configuration.
type NotificationsConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	SMS     SMSConfig     `mapstructure:"sms"`
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig contains email transport configuration.
type EmailConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Provider        string        `mapstructure:"provider"` // sendgrid, smtp
	SendGridAPIKey  string        `mapstructure:"sendgrid_api_key"`
	SMTPHost        string        `mapstructure:"smtp_host"`
	SMTPPort        int           `mapstructure:"smtp_port"`
	SMTPUsername    string        `mapstructure:"smtp_username"`
	SMTPPassword    string        `mapstructure:"smtp_password"`
	FromAddress     string        `mapstructure:"from_address"`
	FromName        string        `mapstructure:"from_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS transport configuration.
type SMSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	TwilioSID       string        `mapstructure:"twilio_sid"`
	TwilioToken     string        `mapstructure:"twilio_token"`
	FromNumber      string        `mapstructure:"from_number"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// SlackConfig contains Slack webhook configuration.
type SlackConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	WebhookURL      string        `mapstructure:"webhook_url"`
	DefaultChannel  string        `mapstructure:"default_channel"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// WebhookConfig contains outbound webhook configuration.
type WebhookConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	Headers         map[string]string `mapstructure:"headers"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	RateLimitPerMin int               `mapstructure:"rate_limit_per_min"`
}

// AuditConfig contains audit pipeline tuning.
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// Load loads configuration from config files and environment variables.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/autobilling-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUTOBILLING")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "autobilling")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Kafka
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "autobilling-engine")
	viper.SetDefault("kafka.topics.episode_events", "episode-events")
	viper.SetDefault("kafka.topics.visit_events", "visit-events")
	viper.SetDefault("kafka.topics.authorization_events", "authorization-events")
	viper.SetDefault("kafka.topics.execution_outcomes", "billing-execution-outcomes")
	viper.SetDefault("kafka.topics.violation_events", "compliance-violation-events")

	// Engine
	viper.SetDefault("engine.scheduler_tick", "1m")
	viper.SetDefault("engine.escalation_tick", "1m")
	viper.SetDefault("engine.deferred_action_tick", "30s")
	viper.SetDefault("engine.retention_sweep", "1h")

	// Claim service
	viper.SetDefault("claim_service.base_url", "http://localhost:8090")
	viper.SetDefault("claim_service.timeout", "30s")

	// Notifications
	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.provider", "smtp")
	viper.SetDefault("notifications.email.smtp_port", 587)
	viper.SetDefault("notifications.email.timeout", "30s")
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)
	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.timeout", "30s")
	viper.SetDefault("notifications.sms.rate_limit_per_min", 10)
	viper.SetDefault("notifications.slack.enabled", false)
	viper.SetDefault("notifications.slack.timeout", "15s")
	viper.SetDefault("notifications.slack.rate_limit_per_min", 60)
	viper.SetDefault("notifications.webhook.enabled", true)
	viper.SetDefault("notifications.webhook.timeout", "30s")
	viper.SetDefault("notifications.webhook.rate_limit_per_min", 120)

	// Audit
	viper.SetDefault("audit.buffer_size", 1000)
	viper.SetDefault("audit.flush_interval", "5s")
	viper.SetDefault("audit.retry_interval", "10s")

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
