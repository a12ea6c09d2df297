package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/encoding"

	"github.com/medcode/medcode/internal/domain/ingest"
)

// Publisher kinds accepted by PUBLISHER.
const (
	PublisherStdout = "stdout"
	PublisherAMQP   = "amqp"
	PublisherKafka  = "kafka"
	PublisherNone   = "none"
)

type Config struct {
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	OpsPort            string        `mapstructure:"OPS_PORT"`
	MLLPAddr           string        `mapstructure:"MLLP_ADDR"`
	Publisher          string        `mapstructure:"PUBLISHER"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	AMQPQueue          string        `mapstructure:"AMQP_QUEUE"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string        `mapstructure:"KAFKA_TOPIC"`
	InputCharset       string        `mapstructure:"INPUT_CHARSET"`
	ParseWorkers       int           `mapstructure:"PARSE_WORKERS"`
	BreakerMaxFailures uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerOpenTimeout time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
}

var keys = []string{
	"ENV",
	"LOG_LEVEL",
	"OPS_PORT",
	"MLLP_ADDR",
	"PUBLISHER",
	"AMQP_URL",
	"AMQP_QUEUE",
	"KAFKA_BROKERS",
	"KAFKA_TOPIC",
	"INPUT_CHARSET",
	"PARSE_WORKERS",
	"BREAKER_MAX_FAILURES",
	"BREAKER_OPEN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OPS_PORT", "8000")
	v.SetDefault("PUBLISHER", PublisherStdout)
	v.SetDefault("AMQP_QUEUE", "hl7.parsed")
	v.SetDefault("KAFKA_TOPIC", "hl7.parsed")
	v.SetDefault("INPUT_CHARSET", "utf-8")
	v.SetDefault("PARSE_WORKERS", 4)
	v.SetDefault("BREAKER_MAX_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as a single comma-separated string.
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// OpsAddr is the listen address of the ops HTTP server.
func (c *Config) OpsAddr() string {
	return ":" + c.OpsPort
}

// Charset resolves INPUT_CHARSET to a decoder.
func (c *Config) Charset() (encoding.Encoding, error) {
	return ingest.LookupCharset(c.InputCharset)
}

// Validate checks that the configuration is usable. The selected publisher
// must have its connection settings, and numeric tunables must be positive.
func (c *Config) Validate() error {
	switch c.Publisher {
	case PublisherStdout, PublisherNone:
	case PublisherAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when PUBLISHER is %q", PublisherAMQP)
		}
		if c.AMQPQueue == "" {
			return fmt.Errorf("AMQP_QUEUE is required when PUBLISHER is %q", PublisherAMQP)
		}
	case PublisherKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when PUBLISHER is %q", PublisherKafka)
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when PUBLISHER is %q", PublisherKafka)
		}
	default:
		return fmt.Errorf("PUBLISHER must be \"stdout\", \"amqp\", \"kafka\", or \"none\", got %q", c.Publisher)
	}

	if _, err := c.Charset(); err != nil {
		return fmt.Errorf("INPUT_CHARSET: %w", err)
	}
	if c.ParseWorkers < 1 {
		return fmt.Errorf("PARSE_WORKERS must be at least 1, got %d", c.ParseWorkers)
	}
	if c.BreakerMaxFailures < 1 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be at least 1, got %d", c.BreakerMaxFailures)
	}
	if c.BreakerOpenTimeout <= 0 {
		return fmt.Errorf("BREAKER_OPEN_TIMEOUT must be positive, got %s", c.BreakerOpenTimeout)
	}
	if c.MLLPAddr != "" && !strings.Contains(c.MLLPAddr, ":") {
		return fmt.Errorf("MLLP_ADDR must be host:port, got %q", c.MLLPAddr)
	}

	return nil
}
