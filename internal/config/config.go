package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, parsed from environment variables.
type Config struct {
	Port string `env:"PORT" envDefault:"3001"`

	// DatabaseURL wins when set; otherwise the DSN is composed from the
	// individual POSTGRES_* variables.
	DatabaseURL      string `env:"DATABASE_URL"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"chatdb"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"secret"`

	// InstanceID identifies this process on the shared broker. Generated
	// when not set so horizontally-scaled replicas never collide.
	InstanceID string `env:"INSTANCE_ID"`

	PresenceTTL       time.Duration `env:"PRESENCE_TTL" envDefault:"60s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	TypingTimeout     time.Duration `env:"TYPING_TIMEOUT" envDefault:"3s"`
	IdentityCacheTTL  time.Duration `env:"IDENTITY_CACHE_TTL" envDefault:"30s"`
	MembershipTTL     time.Duration `env:"MEMBERSHIP_CACHE_TTL" envDefault:"30s"`
	MessageCacheTTL   time.Duration `env:"MESSAGE_CACHE_TTL" envDefault:"5m"`
	ReceiptTTL        time.Duration `env:"RECEIPT_TTL" envDefault:"168h"`

	HistoryLimit int `env:"HISTORY_LIMIT" envDefault:"50"`

	MessageLimit  int           `env:"MESSAGE_RATE_LIMIT" envDefault:"10"`
	MessageWindow time.Duration `env:"MESSAGE_RATE_WINDOW" envDefault:"10s"`
	TypingLimit   int           `env:"TYPING_RATE_LIMIT" envDefault:"20"`
	TypingWindow  time.Duration `env:"TYPING_RATE_WINDOW" envDefault:"10s"`
	ReadLimit     int           `env:"READ_RATE_LIMIT" envDefault:"30"`
	ReadWindow    time.Duration `env:"READ_RATE_WINDOW" envDefault:"10s"`

	// NotifyWebhookURL is the offline-notification collaborator. Empty
	// disables outbound notifications.
	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
}

// Load reads .env (when present) and parses the environment.
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist (e.g. in production)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	return cfg, nil
}

// PostgresDSN returns the connection string for the message store.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return "postgres://" + c.PostgresUser + ":" + c.PostgresPassword + "@" +
		c.PostgresHost + ":" + c.PostgresPort + "/" + c.PostgresDB + "?sslmode=disable"
}
