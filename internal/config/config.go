package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"challenge-ingest/config/ingest"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

type Config struct {
	Ingest   ingest.Config
	Logging  LoggingConfig
	Broker   BrokerConfig
	Store    StoreConfig
	Producer ProducerConfig
	Metrics  MetricsConfig
}

type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type BrokerConfig struct {
	Transport      string   `env:"BROKER_TRANSPORT" envDefault:"rabbitmq"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ConnectRetries int      `env:"CONNECT_RETRIES" envDefault:"5"`
}

// StoreConfig selects the persistence collaborator. An empty DSN selects the
// in-memory store.
type StoreConfig struct {
	PostgresDSN        string        `env:"POSTGRES_DSN"`
	BreakerMaxFailures uint32        `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"10s"`
}

// MetricsConfig uses the standard OpenTelemetry variable names. An empty
// endpoint leaves the exporter to its own environment defaults.
type MetricsConfig struct {
	ServiceName string        `env:"OTEL_SERVICE_NAME" envDefault:"challenge-ingest"`
	Exporter    string        `env:"OTEL_METRICS_EXPORTER" envDefault:"otlp"`
	Endpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	Interval    time.Duration `env:"OTEL_METRIC_EXPORT_INTERVAL" envDefault:"10s"`
}

type ProducerConfig struct {
	Idempotent bool `env:"KAFKA_PRODUCER_IDEMPOTENT" envDefault:"true"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.Broker.Transport = strings.ToLower(strings.TrimSpace(cfg.Broker.Transport))
	cfg.Broker.KafkaBrokers = parseBrokers(cfg.Broker.KafkaBrokers)
	cfg.Metrics.Exporter = strings.ToLower(strings.TrimSpace(cfg.Metrics.Exporter))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Broker.Transport {
	case TransportRabbitMQ:
	case TransportKafka:
		if len(c.Broker.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka transport requires at least one broker")
		}
	default:
		return fmt.Errorf("unknown broker transport %q", c.Broker.Transport)
	}
	switch c.Metrics.Exporter {
	case "otlp", "none":
	default:
		return fmt.Errorf("unknown metrics exporter %q", c.Metrics.Exporter)
	}
	if c.Broker.ConnectRetries <= 0 {
		c.Broker.ConnectRetries = 1
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("invalid ingest config: %w", err)
	}
	return nil
}

func parseBrokers(brokers []string) []string {
	result := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
