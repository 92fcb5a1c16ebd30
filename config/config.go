// Package config loads runtime settings from defaults, an optional TOML file, .env files
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// FileEnv names the variable holding the TOML file path.
const FileEnv = "BUS_CONFIG_FILE"

// Transport kinds.
const (
	TransportMemory   = "memory"
	TransportRedis    = "redis"
	TransportNATS     = "nats"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

var transports = []string{TransportMemory, TransportRedis, TransportNATS, TransportRabbitMQ, TransportKafka}

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Duration accepts Go duration strings such as "30s" in both TOML and env values.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Concurrency     int      `env:"BUS_CONCURRENCY" toml:"concurrency"`
	Transport       string   `env:"BUS_TRANSPORT" toml:"transport"`
	Queue           string   `env:"BUS_QUEUE" toml:"queue"`
	ShutdownTimeout Duration `env:"BUS_SHUTDOWN_TIMEOUT" toml:"shutdown_timeout"`
	HTTPAddr        string   `env:"BUS_HTTP_ADDR" toml:"http_addr"`

	Log      Log      `envPrefix:"BUS_LOG_" toml:"log"`
	Redis    Redis    `envPrefix:"BUS_REDIS_" toml:"redis"`
	NATS     NATS     `envPrefix:"BUS_NATS_" toml:"nats"`
	RabbitMQ RabbitMQ `envPrefix:"BUS_AMQP_" toml:"rabbitmq"`
	Kafka    Kafka    `envPrefix:"BUS_KAFKA_" toml:"kafka"`
	Tracing  Tracing  `envPrefix:"BUS_OTEL_" toml:"tracing"`
}

type Log struct {
	Level  string `env:"LEVEL" toml:"level"`
	Format string `env:"FORMAT" toml:"format"`
	// File enables a rotating log file in addition to stdout.
	File       string `env:"FILE" toml:"file"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" toml:"max_size_mb"`
	MaxBackups int    `env:"MAX_BACKUPS" toml:"max_backups"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" toml:"max_age_days"`
}

type Redis struct {
	Addr         string   `env:"ADDR" toml:"addr"`
	Password     string   `env:"PASSWORD" toml:"password"`
	DB           int      `env:"DB" toml:"db"`
	BlockTimeout Duration `env:"BLOCK_TIMEOUT" toml:"block_timeout"`
	// RecoverOnStart moves leftover processing entries back to pending before starting.
	RecoverOnStart bool `env:"RECOVER_ON_START" toml:"recover_on_start"`
}

type NATS struct {
	URL       string   `env:"URL" toml:"url"`
	Stream    string   `env:"STREAM" toml:"stream"`
	Prefix    string   `env:"PREFIX" toml:"prefix"`
	Durable   string   `env:"DURABLE" toml:"durable"`
	FetchWait Duration `env:"FETCH_WAIT" toml:"fetch_wait"`
}

type RabbitMQ struct {
	URL       string   `env:"URL" toml:"url"`
	Exchange  string   `env:"EXCHANGE" toml:"exchange"`
	Bindings  []string `env:"BINDINGS" envSeparator:"," toml:"bindings"`
	QueueType string   `env:"QUEUE_TYPE" toml:"queue_type"`
	Prefetch  int      `env:"PREFETCH" toml:"prefetch"`
}

type Kafka struct {
	Brokers     []string `env:"BROKERS" envSeparator:"," toml:"brokers"`
	Group       string   `env:"GROUP" toml:"group"`
	EventsTopic string   `env:"EVENTS_TOPIC" toml:"events_topic"`
	ClientID    string   `env:"CLIENT_ID" toml:"client_id"`
}

type Tracing struct {
	// Exporter is "none", "grpc" or "http".
	Exporter     string  `env:"EXPORTER" toml:"exporter"`
	Endpoint     string  `env:"ENDPOINT" toml:"endpoint"`
	ServiceName  string  `env:"SERVICE_NAME" toml:"service_name"`
	SamplingRate float64 `env:"SAMPLING_RATE" toml:"sampling_rate"`
}

// Default returns the built-in settings: an in-memory transport with four workers.
func Default() Config {
	return Config{
		Concurrency:     4,
		Transport:       TransportMemory,
		Queue:           "bus",
		ShutdownTimeout: Duration(30 * time.Second),
		HTTPAddr:        ":9090",
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Tracing: Tracing{
			Exporter:     "none",
			ServiceName:  "busd",
			SamplingRate: 1,
		},
	}
}

// Load builds a Config. path names a TOML file; when empty, $BUS_CONFIG_FILE is used
// if set. Values from .env files never override variables already in the environment.
func Load(path string, dotenv ...string) (Config, error) {
	cfg := Default()

	if err := loadDotEnv(dotenv...); err != nil {
		return Config{}, err
	}

	if path == "" {
		path = os.Getenv(FileEnv)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}

		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config dotenv %s: %w", f, err)
		}
	}

	return nil
}

// Validate checks cross-field requirements of the selected transport.
func (c Config) Validate() error {
	var errs []error

	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}

	if !slices.Contains(transports, c.Transport) {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	switch c.Transport {
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
	case TransportRabbitMQ:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url is required"))
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}

		if c.Kafka.Group == "" {
			errs = append(errs, errors.New("kafka.group is required"))
		}
	}

	switch c.Tracing.Exporter {
	case "", "none":
	case "grpc", "http":
		if c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}

	return nil
}
