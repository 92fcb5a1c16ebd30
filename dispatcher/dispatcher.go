package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-bus-runtime/codec"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
	"github.com/next-trace/scg-bus-runtime/registry"
)

const defaultClaimErrorDelay = time.Second

// Dispatcher is safe for concurrent use. Run may be called again after a previous Run
// has returned.
type Dispatcher struct {
	transport       cbus.Transport
	registry        *registry.Registry
	logger          *slog.Logger
	observers       []Observer
	extractor       cbus.HeaderExtractor
	claimErrorDelay time.Duration

	inflight  atomic.Int32
	handled   atomic.Int64
	unhandled atomic.Int64
	failed    atomic.Int64
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	InFlight  int32
	Handled   int64
	Unhandled int64
	Failed    int64
}

// New constructs a Dispatcher over t, resolving handlers through r.
func New(t cbus.Transport, r *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport:       t,
		registry:        r,
		logger:          slog.New(slog.DiscardHandler),
		claimErrorDelay: defaultClaimErrorDelay,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Run provisions n worker slots and blocks until all of them have exited. Slots stop
// claiming once ctx is done; messages already claimed are handled and resolved first.
func (d *Dispatcher) Run(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("dispatcher run with %d slots: %w", n, berr.ErrInvalidConcurrency)
	}

	if d.transport == nil || d.registry == nil {
		return fmt.Errorf("dispatcher run: %w", berr.ErrTransportNotConfigured)
	}

	var g errgroup.Group

	for slot := range n {
		g.Go(func() error { return d.loop(ctx, slot) })
	}

	return g.Wait()
}

// InFlight returns the number of messages currently being handled.
func (d *Dispatcher) InFlight() int { return int(d.inflight.Load()) }

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		InFlight:  d.inflight.Load(),
		Handled:   d.handled.Load(),
		Unhandled: d.unhandled.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context, slot int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		m, err := d.transport.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, berr.ErrTransportClosed) {
				d.logger.Info("transport closed, worker exiting", slog.Int("slot", slot))
				return fmt.Errorf("worker %d: %w", slot, err)
			}

			d.logger.Error("claim failed",
				slog.Int("slot", slot),
				slog.String("error", err.Error()))

			if !sleep(ctx, d.claimErrorDelay) {
				return nil
			}

			continue
		}

		d.process(ctx, m)
	}
}

// process owns m until it is resolved. The handler context is detached from ctx so a
// stop signal never interrupts a running handler.
func (d *Dispatcher) process(ctx context.Context, m cbus.Inflight) {
	env := m.Envelope()

	hctx := WithHandling(context.WithoutCancel(ctx), env)
	if d.extractor != nil {
		hctx = d.extractor.Extract(hctx, env.Attributes.Attributes)
	}

	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	start := time.Now()

	for _, o := range d.observers {
		d.notify(func() { o.OnClaimed(hctx, env) })
	}

	outcome, herr := d.execute(hctx, env)

	var rerr error

	switch outcome {
	case OutcomeHandled:
		rerr = d.transport.Delete(hctx, m)
		d.handled.Add(1)
	case OutcomeUnhandled:
		rerr = d.transport.Delete(hctx, m)
		d.unhandled.Add(1)
	case OutcomeFailed:
		rerr = d.transport.Retry(hctx, m)
		d.failed.Add(1)
	}

	if rerr != nil {
		// The handler outcome stands; the transport will redeliver.
		d.logger.Error("resolve failed",
			slog.String("messageName", env.Name),
			slog.String("messageId", env.ID),
			slog.String("outcome", outcome.String()),
			slog.String("error", errors.Join(berr.ErrResolveFailed, rerr).Error()))
	}

	elapsed := time.Since(start)

	for _, o := range d.observers {
		d.notify(func() { o.OnResolved(hctx, env, outcome, herr, elapsed) })
	}
}

func (d *Dispatcher) execute(ctx context.Context, env cbus.Envelope) (Outcome, error) {
	handlers := d.registry.Get(env.Name)
	if len(handlers) == 0 {
		return OutcomeUnhandled, nil
	}

	ctor, _ := d.registry.MessageConstructor(env.Name)

	msg, err := codec.DecodeMessage(env, ctor)
	if err != nil {
		d.logger.Error("message decode failed",
			slog.String("messageName", env.Name),
			slog.String("messageId", env.ID),
			slog.String("error", err.Error()))

		return OutcomeFailed, err
	}

	var errs []error

	for _, h := range handlers {
		if err := d.invoke(ctx, h, msg, env.Attributes); err != nil {
			d.logger.Error("handler failed",
				slog.String("messageName", env.Name),
				slog.String("messageId", env.ID),
				slog.String("handler", registry.HandlerName(h)),
				slog.String("error", err.Error()))

			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return OutcomeFailed, errors.Join(errs...)
	}

	return OutcomeHandled, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h cbus.Handler, msg cbus.Message, attrs cbus.Attributes) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", berr.ErrHandlerPanicked, r)
		}
	}()

	return h.Handle(ctx, msg, attrs.Clone())
}

func (d *Dispatcher) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", slog.Any("panic", r))
		}
	}()

	fn()
}

func sleep(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
