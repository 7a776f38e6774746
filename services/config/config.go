package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	NotifierDriverHTTP  = "http"
	NotifierDriverKafka = "kafka"
)

// Config holds every setting the storefront service reads from the environment.
type Config struct {
	ServiceName  string `envconfig:"SERVICE_NAME" default:"storefront-core"`
	Port         string `envconfig:"PORT" default:"8080"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`

	StorageDriver    string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DatabaseHost     string `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort     string `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseUser     string `envconfig:"DATABASE_USER" default:"root"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD" default:"pass"`
	DatabaseName     string `envconfig:"DATABASE_NAME" default:"storefront_db"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	NotifierDriver    string   `envconfig:"NOTIFIER_DRIVER" default:"http"`
	EmailServiceURL   string   `envconfig:"EMAIL_SERVICE_URL" default:"http://email-service:8080"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic        string   `envconfig:"KAFKA_TOPIC" default:"storefront-notifications"`
	LowStockRecipient string   `envconfig:"LOW_STOCK_RECIPIENT" default:"inventory-team"`

	GatewayURL           string `envconfig:"GATEWAY_URL" default:"https://api.stripe.com"`
	GatewaySecretKey     string `envconfig:"GATEWAY_SECRET_KEY"`
	GatewayWebhookSecret string `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	GatewayCurrency      string `envconfig:"GATEWAY_CURRENCY" default:"usd"`
	FrontendURL          string `envconfig:"FRONTEND_URL" default:"http://localhost:5173"`

	IdentityServiceURL string `envconfig:"IDENTITY_SERVICE_URL" default:"http://identity-service:8080"`
}

// Load reads the configuration from the environment and validates the driver choices.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.NotifierDriver {
	case NotifierDriverHTTP, NotifierDriverKafka:
	default:
		return fmt.Errorf("unknown NOTIFIER_DRIVER %q", c.NotifierDriver)
	}
	return nil
}

// PostgresDSN builds the pgx connection string the same way for the pool and migrations.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
	)
}
