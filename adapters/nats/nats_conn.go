package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

const defaultFetchWait = 5 * time.Second

// Concrete JetStream-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int

	// Stream is created when missing and captures "<Prefix>.>".
	Stream  string
	Prefix  string
	Durable string
	// FetchWait bounds a single pull request.
	FetchWait time.Duration
}

type jsClient struct {
	js   nats.JetStreamContext
	sub  *nats.Subscription
	wait time.Duration
}

func (c jsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	_, err := c.js.PublishMsg(msg, nats.Context(ctx))

	return err
}

func (c jsClient) Fetch(ctx context.Context) (Delivery, error) {
	fctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	msgs, err := c.sub.Fetch(1, nats.Context(fctx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)) {
			return nil, nil
		}

		return nil, err
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	return jsDelivery{m: msgs[0]}, nil
}

func (c jsClient) Pending(context.Context) (int, error) {
	info, err := c.sub.ConsumerInfo()
	if err != nil {
		return 0, err
	}

	return int(info.NumPending) + info.NumAckPending, nil
}

type jsDelivery struct{ m *nats.Msg }

func (d jsDelivery) Data() []byte { return d.m.Data }
func (d jsDelivery) Ack() error   { return d.m.Ack() }
func (d jsDelivery) Nak() error   { return d.m.Nak() }
func (d jsDelivery) Term() error  { return d.m.Term() }

func (d jsDelivery) NumDelivered() int {
	meta, err := d.m.Metadata()
	if err != nil {
		return 1
	}

	return int(meta.NumDelivered)
}

// NewWithNATS connects to NATS, ensures the stream and durable pull consumer exist, and
// returns a Transport and a cleanup. Transport.Close also runs the cleanup.
func NewWithNATS(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrTransportNotConfigured)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}

	if cfg.Stream == "" {
		cfg.Stream = "BUS"
	}

	if cfg.Durable == "" {
		cfg.Durable = "bus-workers"
	}

	if cfg.FetchWait <= 0 {
		cfg.FetchWait = defaultFetchWait
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrTransportNotConfigured, err)
	}

	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("%w: jetstream: %w", berr.ErrTransportNotConfigured, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Prefix + ".>"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		cleanup()
		return nil, nil, fmt.Errorf("%w: add stream %s: %w", berr.ErrTransportNotConfigured, cfg.Stream, err)
	}

	sub, err := js.PullSubscribe(cfg.Prefix+".>", cfg.Durable, nats.BindStream(cfg.Stream), nats.ManualAck())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("%w: pull subscribe %s: %w", berr.ErrTransportNotConfigured, cfg.Durable, err)
	}

	t := New(jsClient{js: js, sub: sub, wait: cfg.FetchWait}, cfg.Prefix)
	t.onClose = cleanup

	return t, cleanup, nil
}
