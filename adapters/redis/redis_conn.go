package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Concrete go-redis client constructor.

type Config struct {
	Addr     string // host:port
	Password string
	DB       int

	Queue        string
	BlockTimeout time.Duration
}

// NewWithRedis connects, verifies the server with PING, and returns a Transport owning
// the client plus a cleanup that closes it.
func NewWithRedis(cfg Config) (*Transport, func(), error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("%w: redis addr required", berr.ErrTransportNotConfigured)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: redis connection failed: %w", berr.ErrTransportNotConfigured, err)
	}

	t := New(client, cfg.Queue, cfg.BlockTimeout)
	t.onClose = client.Close

	cleanup := func() { _ = t.Close() }

	return t, cleanup, nil
}
