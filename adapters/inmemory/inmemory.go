// Package inmemory provides a process-local transport for tests, examples and
// single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// DefaultMaxRetries is the delivery count after which a retried message is dead-lettered.
const DefaultMaxRetries = 10

// Transport is a thread-safe in-memory queue implementing cbus.Transport.
// Send and Publish both enqueue to the single local queue, and record what was emitted
// for inspection in tests.
type Transport struct {
	mu         sync.Mutex
	pending    []*delivery
	inflight   map[uint64]*delivery
	dead       []cbus.Envelope
	sent       []cbus.Envelope
	published  []cbus.Envelope
	nextToken  uint64
	maxRetries int

	wake   chan struct{}
	closed chan struct{}
}

type delivery struct {
	token uint64
	env   cbus.Envelope
}

func (d *delivery) Envelope() cbus.Envelope { return d.env }

// Option configures a Transport.
type Option func(*Transport)

// WithMaxRetries sets the dead-letter threshold. Zero disables dead-lettering.
func WithMaxRetries(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// Ensure Transport implements the contract.
var _ cbus.Transport = (*Transport)(nil)

// New creates a new in-memory transport instance.
func New(opts ...Option) *Transport {
	t := &Transport{
		inflight:   make(map[uint64]*delivery),
		maxRetries: DefaultMaxRetries,
		wake:       make(chan struct{}),
		closed:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) Send(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	env, err := t.enqueue(ctx, msg, attrs, "send")
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()

	return nil
}

func (t *Transport) Publish(ctx context.Context, msg cbus.Message, attrs cbus.Attributes) error {
	env, err := t.enqueue(ctx, msg, attrs, "publish")
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.published = append(t.published, env)
	t.mu.Unlock()

	return nil
}

func (t *Transport) enqueue(ctx context.Context, msg cbus.Message, attrs cbus.Attributes, label string) (cbus.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return cbus.Envelope{}, err
	}

	env, err := codec.NewEnvelope(msg, attrs)
	if err != nil {
		return cbus.Envelope{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed() {
		return cbus.Envelope{}, fmt.Errorf("inmemory %s: %w", label, berr.ErrTransportClosed)
	}

	t.push(env)

	return env, nil
}

// push appends env and wakes every waiting claimer. Callers hold t.mu.
func (t *Transport) push(env cbus.Envelope) {
	t.nextToken++
	t.pending = append(t.pending, &delivery{token: t.nextToken, env: env})

	close(t.wake)
	t.wake = make(chan struct{})
}

// ClaimNext blocks until a message is pending, ctx ends, or the transport closes.
func (t *Transport) ClaimNext(ctx context.Context) (cbus.Inflight, error) {
	for {
		t.mu.Lock()

		if t.isClosed() {
			t.mu.Unlock()
			return nil, fmt.Errorf("inmemory claim: %w", berr.ErrTransportClosed)
		}

		if len(t.pending) > 0 {
			d := t.pending[0]
			t.pending[0] = nil
			t.pending = t.pending[1:]
			t.inflight[d.token] = d
			t.mu.Unlock()

			return d, nil
		}

		wake := t.wake
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.closed:
		case <-wake:
		}
	}
}

func (t *Transport) Delete(_ context.Context, m cbus.Inflight) error {
	_, err := t.take(m, "delete")

	return err
}

// Retry re-queues the message at the back of the queue, or dead-letters it once it has
// been delivered MaxRetries times. After Close the message is lost and Retry reports
// ErrTransportClosed.
func (t *Transport) Retry(_ context.Context, m cbus.Inflight) error {
	d, err := t.take(m, "retry")
	if err != nil {
		return err
	}

	env := d.env
	env.SeenCount++

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxRetries > 0 && env.SeenCount >= t.maxRetries {
		t.dead = append(t.dead, env)
		return nil
	}

	if t.isClosed() {
		return fmt.Errorf("inmemory retry %s: message dropped: %w", env.ID, berr.ErrTransportClosed)
	}

	t.push(env)

	return nil
}

func (t *Transport) take(m cbus.Inflight, label string) (*delivery, error) {
	d, ok := m.(*delivery)
	if !ok || d == nil {
		return nil, fmt.Errorf("inmemory %s %T: %w", label, m, berr.ErrResolveFailed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[d.token]; !ok {
		return nil, fmt.Errorf("inmemory %s %s: not in flight: %w", label, d.env.ID, berr.ErrResolveFailed)
	}

	delete(t.inflight, d.token)

	return d, nil
}

// Depth counts pending and in-flight messages.
func (t *Transport) Depth(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending) + len(t.inflight), nil
}

// DeadLetters returns messages that exhausted their retries.
func (t *Transport) DeadLetters() []cbus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]cbus.Envelope(nil), t.dead...)
}

// Sent returns every envelope accepted by Send.
func (t *Transport) Sent() []cbus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]cbus.Envelope(nil), t.sent...)
}

// Published returns every envelope accepted by Publish.
func (t *Transport) Published() []cbus.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]cbus.Envelope(nil), t.published...)
}

// Close wakes every claimer with ErrTransportClosed. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isClosed() {
		close(t.closed)
	}

	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
