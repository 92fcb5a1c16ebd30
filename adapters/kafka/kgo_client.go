package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Concrete franz-go based constructor, writer and reader.

const defaultMaxPollRecords = 100

type Config struct {
	Brokers  []string
	TLS      *tls.Config
	ClientID string

	Group       string
	Topic       string
	EventsTopic string
	// LeaderAcksOnly trades durability for latency and disables idempotent writes.
	LeaderAcksOnly bool
	MaxPollRecords int
}

type kgoClient struct {
	cl  *kgo.Client
	max int
}

func (c kgoClient) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

func (c kgoClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollRecords(ctx, c.max)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka poll: %w", berr.ErrTransportClosed)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error

	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		rec := Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
		}

		if len(r.Headers) > 0 {
			rec.Headers = make(map[string]string, len(r.Headers))
			for _, h := range r.Headers {
				rec.Headers[h.Key] = string(h.Value)
			}
		}

		out = append(out, rec)
	})

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return out, nil
}

func (c kgoClient) Commit(ctx context.Context, topic string, partition int32, next int64) error {
	return c.cl.CommitRecords(ctx, &kgo.Record{Topic: topic, Partition: partition, Offset: next - 1})
}

// NewWithKgo builds a franz-go consumer-group Transport. The returned cleanup closes the
// client; Transport.Close also runs it.
func NewWithKgo(cfg Config) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrTransportNotConfigured)
	}

	if cfg.Topic == "" || cfg.Group == "" {
		return nil, nil, fmt.Errorf("%w: kafka topic and group required", berr.ErrTransportNotConfigured)
	}

	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = defaultMaxPollRecords
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.LeaderAcksOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrTransportNotConfigured, err)
	}

	c := kgoClient{cl: cl, max: cfg.MaxPollRecords}
	t := New(c, c, cfg.Topic, cfg.EventsTopic)
	cleanup := sync.OnceFunc(cl.Close)
	t.onClose = cleanup

	return t, cleanup, nil
}
