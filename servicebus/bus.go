package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
	"github.com/next-trace/scg-bus-runtime/registry"
)

const defaultShutdownTimeout = 30 * time.Second

// Bus routes messages claimed from a transport to registered handlers and emits new
// messages through the same transport.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	transport  cbus.Transport
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	hooks      *hooks
	observers  []dispatcher.Observer
	propagator cbus.HeaderPropagator
	logger     *slog.Logger

	shutdownTimeout time.Duration
	claimErrorDelay time.Duration
}

// Ensure Bus implements the contract.
var _ cbus.Bus = (*Bus)(nil)

// New constructs a stopped Bus over t.
func New(t cbus.Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:       t,
		logger:          slog.New(slog.DiscardHandler),
		shutdownTimeout: defaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.registry == nil {
		b.registry = registry.New(b.logger)
	}

	b.hooks = newHooks(b.logger)

	dopts := []dispatcher.Option{
		dispatcher.WithLogger(b.logger),
		dispatcher.WithObserver(errorHook{hooks: b.hooks}),
		dispatcher.WithObserver(b.observers...),
		dispatcher.WithClaimErrorDelay(b.claimErrorDelay),
	}

	if ex, ok := b.propagator.(cbus.HeaderExtractor); ok {
		dopts = append(dopts, dispatcher.WithExtractor(ex))
	}

	b.dispatcher = dispatcher.New(t, b.registry, dopts...)

	return b
}

// Registry returns the handler registry used by this bus.
func (b *Bus) Registry() *registry.Registry { return b.registry }

// State returns the current lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Stats returns dispatcher counters.
func (b *Bus) Stats() dispatcher.Stats { return b.dispatcher.Stats() }

// Start provisions concurrency worker slots and begins claiming messages. It returns as
// soon as the workers are running.
func (b *Bus) Start(concurrency int) error {
	b.mu.Lock()

	if b.state != StateStopped {
		state := b.state
		b.mu.Unlock()

		return fmt.Errorf("start in state %s: %w", state, berr.ErrBusAlreadyStarted)
	}

	if concurrency < 1 {
		b.mu.Unlock()
		return fmt.Errorf("start with concurrency %d: %w", concurrency, berr.ErrInvalidConcurrency)
	}

	if b.transport == nil {
		b.mu.Unlock()
		return fmt.Errorf("start: %w", berr.ErrTransportNotConfigured)
	}

	b.state = StateStarting

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel, b.done = cancel, done
	b.mu.Unlock()

	b.logger.Info("bus starting", slog.Int("concurrency", concurrency))

	go func() {
		defer close(done)

		if err := b.dispatcher.Run(ctx, concurrency); err != nil {
			b.logger.Error("dispatcher stopped", slog.String("error", err.Error()))
		}
	}()

	b.mu.Lock()
	b.state = StateStarted
	b.mu.Unlock()

	b.logger.Info("bus started", slog.Int("concurrency", concurrency))

	return nil
}

// Stop stops claiming new messages and waits for in-flight handlers to finish. If ctx
// ends first, Stop returns ErrShutdownTimeout; the bus still reaches StateStopped once
// the remaining handlers complete.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()

	if b.state != StateStarted {
		state := b.state
		b.mu.Unlock()

		return fmt.Errorf("stop in state %s: %w", state, berr.ErrBusNotStarted)
	}

	b.state = StateStopping
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.logger.Info("bus stopping", slog.Int("inFlight", b.dispatcher.InFlight()))

	cancel()

	select {
	case <-done:
		b.stopped()
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			b.stopped()
		}()

		return fmt.Errorf("stop: %w", errors.Join(berr.ErrShutdownTimeout, ctx.Err()))
	}
}

func (b *Bus) stopped() {
	b.mu.Lock()
	b.state = StateStopped
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	b.logger.Info("bus stopped")
}

// Close stops the bus if it is started. It is safe to call more than once.
func (b *Bus) Close() error {
	if b.State() != StateStarted {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()

	if err := b.Stop(ctx); err != nil && !errors.Is(err, berr.ErrBusNotStarted) {
		return err
	}

	return nil
}

// Run returns a function suitable for errgroup: it starts the bus and stops it when ctx
// is cancelled.
func (b *Bus) Run(ctx context.Context, concurrency int) func() error {
	return func() error {
		if err := b.Start(concurrency); err != nil {
			return err
		}

		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.shutdownTimeout)
		defer cancel()

		return b.Stop(sctx)
	}
}

// Send delivers msg to its handlers through the transport. attrs are merged over the
// correlation id and sticky attributes of the message being handled in ctx, if any.
func (b *Bus) Send(ctx context.Context, msg cbus.Message, attrs ...cbus.Attributes) error {
	return b.emit(ctx, cbus.HookSend, msg, attrs)
}

// Publish broadcasts msg to every subscriber through the transport. Attributes are
// merged as for Send.
func (b *Bus) Publish(ctx context.Context, msg cbus.Message, attrs ...cbus.Attributes) error {
	return b.emit(ctx, cbus.HookPublish, msg, attrs)
}

func (b *Bus) emit(ctx context.Context, event cbus.HookEvent, msg cbus.Message, attrs []cbus.Attributes) error {
	if msg == nil {
		return fmt.Errorf("%s: %w", event, berr.ErrUnknownMessage)
	}

	if b.transport == nil {
		return fmt.Errorf("%s %s: %w", event, msg.MessageName(), berr.ErrTransportNotConfigured)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	out := b.outgoing(ctx, attrs)

	var err error

	base := berr.ErrSendFailed
	if event == cbus.HookPublish {
		base = berr.ErrPublishFailed
		err = b.transport.Publish(ctx, msg, out)
	} else {
		err = b.transport.Send(ctx, msg, out)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("%s %s: %w", event, msg.MessageName(), errors.Join(base, err))
	}

	b.hooks.fire(ctx, Hook{Event: event, Message: msg, Attributes: out})

	return nil
}

// outgoing builds the attributes of a new message from the handling context and the
// caller supplied attributes, later ones winning.
func (b *Bus) outgoing(ctx context.Context, attrs []cbus.Attributes) cbus.Attributes {
	var out cbus.Attributes

	if env, ok := dispatcher.Handling(ctx); ok {
		out.CorrelationID = env.Attributes.CorrelationID
		out.StickyAttributes = maps.Clone(env.Attributes.StickyAttributes)
	}

	for _, a := range attrs {
		if a.CorrelationID != "" {
			out.CorrelationID = a.CorrelationID
		}

		out.Attributes = merge(out.Attributes, a.Attributes)
		out.StickyAttributes = merge(out.StickyAttributes, a.StickyAttributes)
	}

	if out.CorrelationID == "" {
		out.CorrelationID = uuid.NewString()
	}

	if b.propagator != nil {
		if out.Attributes == nil {
			out.Attributes = make(map[string]string)
		}

		b.propagator.Inject(ctx, out.Attributes)
	}

	return out
}

func merge(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}

	if dst == nil {
		dst = make(map[string]string, len(src))
	}

	maps.Copy(dst, src)

	return dst
}

// On registers fn for event and returns a handle for Off. Unknown events and nil
// functions are ignored and return nil.
func (b *Bus) On(event cbus.HookEvent, fn ListenerFunc) *Listener {
	if !event.Valid() || fn == nil {
		b.logger.Warn("hook listener ignored", slog.String("event", string(event)))
		return nil
	}

	return b.hooks.on(event, fn)
}

// Off removes l from event. Removing an unknown listener is a no-op.
func (b *Bus) Off(event cbus.HookEvent, l *Listener) {
	if l == nil {
		return
	}

	b.hooks.off(event, l)
}

// Handling returns the envelope of the message being handled in ctx.
func Handling(ctx context.Context) (cbus.Envelope, bool) {
	return dispatcher.Handling(ctx)
}
