package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-bus-runtime/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(config.FileEnv, "")

	cfg, err := config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout.Std())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "bus.toml", `
concurrency = 8
transport = "redis"
shutdown_timeout = "5s"

[redis]
addr = "redis:6379"
block_timeout = "1s"

[kafka]
brokers = ["a:9092", "b:9092"]
`)

	t.Setenv("BUS_CONCURRENCY", "16")

	cfg, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Concurrency, "environment wins over the file")
	assert.Equal(t, config.TransportRedis, cfg.Transport)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Std())
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Redis.BlockTimeout.Std())
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "bus", cfg.Queue, "unset values keep defaults")
}

func TestLoad_FileFromEnv(t *testing.T) {
	path := writeFile(t, "bus.toml", `queue = "billing"`)
	t.Setenv(config.FileEnv, path)

	cfg, err := config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.Queue)
}

func TestLoad_DotEnv(t *testing.T) {
	dotenv := writeFile(t, ".env", "BUS_KAFKA_BROKERS=k1:9092,k2:9092\nBUS_KAFKA_GROUP=workers\nBUS_TRANSPORT=kafka\n")

	t.Setenv("BUS_TRANSPORT", "kafka")
	t.Setenv(config.FileEnv, "")

	// t.Setenv restores these after the test; godotenv only sets unset keys.
	t.Setenv("BUS_KAFKA_BROKERS", "")
	require.NoError(t, os.Unsetenv("BUS_KAFKA_BROKERS"))
	t.Setenv("BUS_KAFKA_GROUP", "")
	require.NoError(t, os.Unsetenv("BUS_KAFKA_GROUP"))

	cfg, err := config.Load("", dotenv)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "workers", cfg.Kafka.Group)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(config.FileEnv, "")
	t.Setenv("BUS_TRANSPORT", "nats")
	t.Setenv("BUS_CONCURRENCY", "0")

	_, err := config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "nats.url is required")
	assert.Contains(t, err.Error(), "concurrency must be at least 1")
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv(config.FileEnv, "")
	t.Setenv("BUS_SHUTDOWN_TIMEOUT", "soon")

	_, err := config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestValidate_UnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = "carrier-pigeon"

	require.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
}

func TestValidate_Tracing(t *testing.T) {
	cfg := config.Default()
	cfg.Tracing.Exporter = "http"

	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "tracing.endpoint is required")

	cfg.Tracing.Endpoint = "collector:4318"
	require.NoError(t, cfg.Validate())

	cfg.Tracing.Exporter = "zipkin"
	require.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
}
