package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Concrete AMQP connection-backed constructor and a session that reconnects both the
// publishing and the consuming channel.

const (
	defaultExchange     = "bus"
	defaultExchangeType = "topic"
	defaultPrefetch     = 10
	deliveryCountHeader = "x-delivery-count"
)

type Config struct {
	URL         string
	ConnTimeout time.Duration

	Queue    string
	Exchange string
	// Bindings are routing keys bound from Exchange to Queue. Defaults to "#".
	Bindings []string
	// QueueType sets x-queue-type, e.g. "quorum" for broker-side delivery counts.
	QueueType string
	Prefetch  int
}

type reconnectingSession struct {
	cfg Config

	mu         sync.RWMutex
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	conCh      *amqp.Channel
	deliveries <-chan amqp.Delivery
	ready      chan struct{} // closed while a session is usable

	closed    chan struct{}
	closeOnce sync.Once
}

func newReconnectingSession(cfg Config) (*reconnectingSession, func()) {
	s := &reconnectingSession{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go s.run()
	cleanup := func() { s.close() }
	return s, cleanup
}

// current waits for a usable session.
func (s *reconnectingSession) current(ctx context.Context) (*amqp.Channel, <-chan amqp.Delivery, error) {
	for {
		s.mu.RLock()
		ch, dl, ready := s.pubCh, s.deliveries, s.ready
		s.mu.RUnlock()

		if ch != nil {
			return ch, dl, nil
		}

		select {
		case <-ready:
		case <-s.closed:
			return nil, nil, fmt.Errorf("rabbitmq session: %w", berr.ErrTransportClosed)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (s *reconnectingSession) Publish(ctx context.Context, m PubMsg) error {
	ch, _, err := s.current(ctx)
	if err != nil {
		return err
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      h,
			ContentType:  "application/json",
			Body:         m.Body,
		},
	)
}

func (s *reconnectingSession) Consume(ctx context.Context) (Delivery, error) {
	for {
		_, dl, err := s.current(ctx)
		if err != nil {
			return nil, err
		}

		select {
		case d, ok := <-dl:
			if ok {
				return amqpDelivery{d: d}, nil
			}
			// The channel died with its connection; wait for run to replace it.
			if !sleepCtx(ctx, s.closed, 50*time.Millisecond) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}

				return nil, fmt.Errorf("rabbitmq consume: %w", berr.ErrTransportClosed)
			}
		case <-s.closed:
			return nil, fmt.Errorf("rabbitmq consume: %w", berr.ErrTransportClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *reconnectingSession) Ready(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return 0, errors.New("rabbitmq not connected")
	}

	// A failed passive declare closes its channel, so use a throwaway one.
	ch, err := conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(s.cfg.Queue, true, false, false, false, s.queueArgs())
	if err != nil {
		return 0, err
	}

	return q.Messages, nil
}

func (s *reconnectingSession) queueArgs() amqp.Table {
	if s.cfg.QueueType == "" {
		return nil
	}

	return amqp.Table{"x-queue-type": s.cfg.QueueType}
}

func (s *reconnectingSession) dial() (*amqp.Connection, *amqp.Channel, *amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-bus-runtime"},
		Dial:       amqp.DefaultDial(s.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	fail := func(err error) (*amqp.Connection, *amqp.Channel, *amqp.Channel, <-chan amqp.Delivery, error) {
		_ = conn.Close()
		return nil, nil, nil, nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		return fail(err)
	}

	if err := pub.ExchangeDeclare(s.cfg.Exchange, defaultExchangeType, true, false, false, false, nil); err != nil {
		return fail(err)
	}

	con, err := conn.Channel()
	if err != nil {
		return fail(err)
	}

	if _, err := con.QueueDeclare(s.cfg.Queue, true, false, false, false, s.queueArgs()); err != nil {
		return fail(err)
	}

	for _, key := range s.cfg.Bindings {
		if err := con.QueueBind(s.cfg.Queue, key, s.cfg.Exchange, false, nil); err != nil {
			return fail(err)
		}
	}

	if err := con.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fail(err)
	}

	dl, err := con.Consume(s.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fail(err)
	}

	return conn, pub, con, dl, nil
}

func (s *reconnectingSession) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, pub, con, dl, err := s.dial()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			wait := min(backoff+jitter/2, maxBackoff)

			if !sleepCtx(context.Background(), s.closed, wait) {
				return
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			_ = conn.Close()

			return
		default:
		}

		s.conn, s.pubCh, s.conCh, s.deliveries = conn, pub, con, dl
		close(s.ready)
		s.mu.Unlock()

		select {
		case <-s.closed:
			return
		case <-notify:
		}

		s.mu.Lock()
		s.conn, s.pubCh, s.conCh, s.deliveries = nil, nil, nil, nil
		s.ready = make(chan struct{})
		s.mu.Unlock()

		_ = pub.Close()
		_ = con.Close()
		_ = conn.Close()
	}
}

func (s *reconnectingSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		close(s.closed)

		if s.pubCh != nil {
			_ = s.pubCh.Close()
			s.pubCh = nil
		}

		if s.conCh != nil {
			_ = s.conCh.Close()
			s.conCh = nil
		}

		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
}

type amqpDelivery struct{ d amqp.Delivery }

func (a amqpDelivery) Body() []byte            { return a.d.Body }
func (a amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func (a amqpDelivery) SeenCount() int {
	return seenCount(a.d.Headers, a.d.Redelivered)
}

// seenCount prefers the quorum queue delivery counter and falls back to the redelivered flag.
func seenCount(h amqp.Table, redelivered bool) int {
	switch v := h[deliveryCountHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}

	if redelivered {
		return 1
	}

	return 0
}

func sleepCtx(ctx context.Context, closed <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-closed:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect, declares the exchange, queue and
// bindings, and returns a Transport and cleanup. Transport.Close also runs the cleanup.
func NewWithAMQPConn(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrTransportNotConfigured)
	}

	if cfg.Queue == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq queue required", berr.ErrTransportNotConfigured)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	if len(cfg.Bindings) == 0 {
		cfg.Bindings = []string{"#"}
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	s, cleanup := newReconnectingSession(cfg)
	t := New(s, s, cfg.Queue, cfg.Exchange)
	t.onClose = cleanup

	return t, cleanup, nil
}
