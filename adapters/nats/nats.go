// Package nats implements a JetStream pull-consumer transport.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

const (
	defaultPrefix = "bus"
	// HeaderKind marks whether a message was sent or published.
	HeaderKind = "Bus-Kind"
	// HeaderMsgID enables JetStream duplicate detection.
	HeaderMsgID = "Nats-Msg-Id"
)

// Client is a minimal JetStream-like interface decoupled from any concrete library.
type Client interface {
	// Publish stores a message on subject with optional headers.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	// Fetch waits a bounded time for one message. It returns (nil, nil) when none arrived.
	Fetch(ctx context.Context) (Delivery, error)
	// Pending reports messages not yet delivered plus messages awaiting ack.
	Pending(ctx context.Context) (int, error)
}

// Delivery is one fetched message.
type Delivery interface {
	Data() []byte
	// NumDelivered counts deliveries including this one.
	NumDelivered() int
	Ack() error
	Nak() error
	Term() error
}

// Transport implements cbus.Transport over a Client.
type Transport struct {
	Client Client
	prefix string

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

type inflight struct {
	env cbus.Envelope
	d   Delivery
}

func (m *inflight) Envelope() cbus.Envelope { return m.env }

// Ensure Transport implements the contract.
var _ cbus.Transport = (*Transport)(nil)

// New creates a transport publishing to "<prefix>.<message name>". An empty prefix
// defaults to "bus".
func New(c Client, prefix string) *Transport {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Transport{Client: c, prefix: prefix, closed: make(chan struct{})}
}

// Subject returns the subject a message named name is published on.
func (t *Transport) Subject(name string) string { return t.prefix + "." + name }

func (t *Transport) Send(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.emit(ctx, msg, attrs, "send", berr.ErrSendFailed)
}

func (t *Transport) Publish(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	return t.emit(ctx, msg, attrs, "publish", berr.ErrPublishFailed)
}

func (t *Transport) emit(ctx context.Context, msg cbus.Message, attrs cbus.Attributes, label string, base error) error {
	if err := t.ready(ctx, base, label); err != nil {
		return err
	}

	env, body, err := codec.Marshal(msg, attrs)
	if err != nil {
		return fmt.Errorf("nats %s serialize: %w", label, err)
	}

	headers := make(map[string]string, len(env.Attributes.Attributes)+2)
	for k, v := range env.Attributes.Attributes {
		headers[k] = v
	}

	headers[HeaderKind] = label
	headers[HeaderMsgID] = env.ID

	if err := t.Client.Publish(ctx, t.Subject(env.Name), body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats %s publish: %w", label, errors.Join(base, err))
	}

	return nil
}

// ClaimNext fetches until a message arrives, ctx ends, or the transport closes.
func (t *Transport) ClaimNext(ctx context.Context) (cbus.Inflight, error) {
	if err := t.ready(ctx, berr.ErrClaimFailed, "claim"); err != nil {
		return nil, err
	}

	for {
		select {
		case <-t.closed:
			return nil, fmt.Errorf("nats claim: %w", berr.ErrTransportClosed)
		default:
		}

		d, err := t.Client.Fetch(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			return nil, fmt.Errorf("nats claim: %w", errors.Join(berr.ErrClaimFailed, err))
		}

		if d == nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			continue
		}

		env, err := codec.Decode(d.Data())
		if err != nil {
			// A message that is not an envelope can never be handled.
			_ = d.Term()
			return nil, fmt.Errorf("nats claim: %w", errors.Join(berr.ErrClaimFailed, err))
		}

		if n := d.NumDelivered(); n > 1 {
			env.SeenCount = n - 1
		}

		return &inflight{env: env, d: d}, nil
	}
}

func (t *Transport) Delete(_ context.Context, m cbus.Inflight) error {
	in, err := t.inflight(m, "delete")
	if err != nil {
		return err
	}

	if err := in.d.Ack(); err != nil {
		return fmt.Errorf("nats ack %s: %w", in.env.ID, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

// Retry negatively acknowledges the message so JetStream redelivers it.
func (t *Transport) Retry(_ context.Context, m cbus.Inflight) error {
	in, err := t.inflight(m, "retry")
	if err != nil {
		return err
	}

	if err := in.d.Nak(); err != nil {
		return fmt.Errorf("nats nak %s: %w", in.env.ID, errors.Join(berr.ErrResolveFailed, err))
	}

	return nil
}

func (t *Transport) inflight(m cbus.Inflight, label string) (*inflight, error) {
	in, ok := m.(*inflight)
	if !ok || in == nil {
		return nil, fmt.Errorf("nats %s %T: %w", label, m, berr.ErrResolveFailed)
	}

	return in, nil
}

func (t *Transport) Depth(ctx context.Context) (int, error) {
	if err := t.ready(ctx, berr.ErrTransportNotConfigured, "depth"); err != nil {
		return 0, err
	}

	return t.Client.Pending(ctx)
}

// Close stops claims and releases the connection when the transport owns it.
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

	if t.Client == nil {
		return fmt.Errorf("nats %s: %w", label, errors.Join(base, berr.ErrTransportNotConfigured))
	}

	return nil
}
