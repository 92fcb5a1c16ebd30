package busfx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/next-trace/scg-bus-runtime/adapters/inmemory"
	"github.com/next-trace/scg-bus-runtime/adapters/kafka"
	"github.com/next-trace/scg-bus-runtime/adapters/nats"
	"github.com/next-trace/scg-bus-runtime/adapters/rabbitmq"
	"github.com/next-trace/scg-bus-runtime/adapters/redis"
	"github.com/next-trace/scg-bus-runtime/config"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

const recoverTimeout = 10 * time.Second

// FromConfig supplies cfg, the Settings derived from it and the transport it selects.
func FromConfig(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Supply(Settings{
			Concurrency:     cfg.Concurrency,
			ShutdownTimeout: cfg.ShutdownTimeout.Std(),
		}),
		fx.Provide(provideTransport),
	)
}

type transportParams struct {
	fx.In

	Config config.Config
	Logger *slog.Logger `optional:"true"`
}

func provideTransport(p transportParams) (cbus.Transport, error) {
	return NewTransport(p.Config, p.Logger)
}

// NewTransport connects the transport named by cfg.Transport. Closing the returned
// transport releases its connection.
func NewTransport(cfg config.Config, logger *slog.Logger) (cbus.Transport, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	logger = logger.With(slog.String("transport", cfg.Transport))

	switch cfg.Transport {
	case config.TransportMemory, "":
		return inmemory.New(), nil

	case config.TransportRedis:
		t, _, err := redis.NewWithRedis(redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Queue:        cfg.Queue,
			BlockTimeout: cfg.Redis.BlockTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}

		if cfg.Redis.RecoverOnStart {
			ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
			defer cancel()

			n, err := t.Recover(ctx)
			if err != nil {
				_ = t.Close()
				return nil, err
			}

			logger.Info("recovered unresolved messages", slog.Int("count", n))
		}

		return t, nil

	case config.TransportNATS:
		t, _, err := nats.NewWithNATS(nats.Config{
			URL:       cfg.NATS.URL,
			Name:      cfg.Queue,
			Stream:    cfg.NATS.Stream,
			Prefix:    cfg.NATS.Prefix,
			Durable:   cfg.NATS.Durable,
			FetchWait: cfg.NATS.FetchWait.Std(),
		})
		if err != nil {
			return nil, err
		}

		return t, nil

	case config.TransportRabbitMQ:
		t, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:       cfg.RabbitMQ.URL,
			Queue:     cfg.Queue,
			Exchange:  cfg.RabbitMQ.Exchange,
			Bindings:  cfg.RabbitMQ.Bindings,
			QueueType: cfg.RabbitMQ.QueueType,
			Prefetch:  cfg.RabbitMQ.Prefetch,
		})
		if err != nil {
			return nil, err
		}

		return t, nil

	case config.TransportKafka:
		t, _, err := kafka.NewWithKgo(kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			ClientID:    cfg.Kafka.ClientID,
			Group:       cfg.Kafka.Group,
			Topic:       cfg.Queue,
			EventsTopic: cfg.Kafka.EventsTopic,
		})
		if err != nil {
			return nil, err
		}

		return t, nil
	}

	return nil, fmt.Errorf("transport %q: %w", cfg.Transport, berr.ErrTransportNotConfigured)
}
