package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// HeaderKind marks whether a message was sent or published.
const HeaderKind = "x-bus-kind"

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Consumer yields deliveries from the work queue.
type Consumer interface {
	// Consume blocks until a delivery is available or ctx ends.
	Consume(ctx context.Context) (Delivery, error)
	// Ready counts messages waiting in the queue, excluding unacknowledged ones.
	Ready(ctx context.Context) (int, error)
}

// Delivery is one consumed message.
type Delivery interface {
	Body() []byte
	// SeenCount is the number of earlier deliveries, when the broker reports it.
	SeenCount() int
	Ack() error
	Nack(requeue bool) error
}

type Transport struct {
	Publisher Publisher
	Consumer  Consumer
	Queue     string
	Exchange  string

	inflight  atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

type inflight struct {
	env cbus.Envelope
	d   Delivery
}

func (m *inflight) Envelope() cbus.Envelope { return m.env }

var _ cbus.Transport = (*Transport)(nil)

// New builds a transport sending to queue and publishing to exchange.
func New(p Publisher, c Consumer, queue, exchange string) *Transport {
	if exchange == "" {
		exchange = defaultExchange
	}

	return &Transport{Publisher: p, Consumer: c, Queue: queue, Exchange: exchange, closed: make(chan struct{})}
}

func (t *Transport) Send(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.emit(ctx, msg, attrs, &route{exchange: "", label: "send", wrap: berr.ErrSendFailed})
}

func (t *Transport) Publish(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.emit(ctx, msg, attrs, &route{exchange: t.Exchange, label: "publish", wrap: berr.ErrPublishFailed})
}

type route struct {
	exchange string
	label    string
	wrap     error
}

func (t *Transport) emit(ctx context.Context, msg cbus.Message, attrs cbus.Attributes, r *route) error {
	if err := t.ready(ctx, r.wrap, r.label); err != nil {
		return err
	}

	env, body, err := codec.Marshal(msg, attrs)
	if err != nil {
		return fmt.Errorf("rabbitmq %s serialize: %w", r.label, err)
	}

	hdrs := make(map[string]string, len(env.Attributes.Attributes)+1)
	for k, v := range env.Attributes.Attributes {
		hdrs[k] = v
	}

	hdrs[HeaderKind] = r.label

	rk := env.Name
	if r.exchange == "" {
		rk = t.Queue
	}

	m := PubMsg{Exchange: r.exchange, RoutingKey: rk, Body: body, Headers: hdrs}

	if err := t.Publisher.Publish(ctx, m); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq %s publish: %w", r.label, errors.Join(r.wrap, err))
	}

	return nil
}

// ClaimNext blocks for the next delivery. Deliveries that are not envelopes are
// rejected without requeue.
func (t *Transport) ClaimNext(ctx context.Context) (cbus.Inflight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq claim: %w", berr.ErrTransportNotConfigured)
	}

	select {
	case <-t.closed:
		return nil, fmt.Errorf("rabbitmq claim: %w", berr.ErrTransportClosed)
	default:
	}

	d, err := t.Consumer.Consume(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if errors.Is(err, berr.ErrTransportClosed) {
			return nil, err
		}

		return nil, fmt.Errorf("rabbitmq claim: %w", errors.Join(berr.ErrClaimFailed, err))
	}

	env, err := codec.Decode(d.Body())
	if err != nil {
		_ = d.Nack(false)
		return nil, fmt.Errorf("rabbitmq claim: %w", errors.Join(berr.ErrClaimFailed, err))
	}

	env.SeenCount = d.SeenCount()

	t.inflight.Add(1)

	return &inflight{env: env, d: d}, nil
}

func (t *Transport) Delete(_ context.Context, m cbus.Inflight) error {
	in, ok := m.(*inflight)
	if !ok || in == nil {
		return fmt.Errorf("rabbitmq delete %T: %w", m, berr.ErrResolveFailed)
	}

	t.inflight.Add(-1)

	if err := in.d.Ack(); err != nil {
		return fmt.Errorf("rabbitmq ack %s: %w", in.env.ID, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

// Retry returns the message to the queue with requeue set.
func (t *Transport) Retry(_ context.Context, m cbus.Inflight) error {
	in, ok := m.(*inflight)
	if !ok || in == nil {
		return fmt.Errorf("rabbitmq retry %T: %w", m, berr.ErrResolveFailed)
	}

	t.inflight.Add(-1)

	if err := in.d.Nack(true); err != nil {
		return fmt.Errorf("rabbitmq nack %s: %w", in.env.ID, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

// Depth adds the deliveries this transport holds unacknowledged to the queue's ready count.
func (t *Transport) Depth(ctx context.Context) (int, error) {
	if t.Consumer == nil {
		return 0, fmt.Errorf("rabbitmq depth: %w", berr.ErrTransportNotConfigured)
	}

	n, err := t.Consumer.Ready(ctx)
	if err != nil {
		return 0, err
	}

	return n + int(t.inflight.Load()), nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		if t.onClose != nil {
			t.onClose()
		}
	})

	return nil
}

func (t *Transport) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Publisher == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(base, berr.ErrTransportNotConfigured))
	}

	return nil
}
