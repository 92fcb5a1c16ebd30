package servicebus

import (
	"log/slog"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
	"github.com/next-trace/scg-bus-runtime/registry"
)

// Option configures a Bus instance.
type Option func(*Bus)

// WithLogger sets the logger shared by the bus, its registry and its dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRegistry uses r instead of a registry owned by the bus.
func WithRegistry(r *registry.Registry) Option {
	return func(b *Bus) { b.registry = r }
}

// WithObserver adds dispatcher observers such as metrics or tracing.
func WithObserver(obs ...dispatcher.Observer) Option {
	return func(b *Bus) { b.observers = append(b.observers, obs...) }
}

// WithPropagator injects propagation headers into outgoing attributes. If p also
// implements cbus.HeaderExtractor, handled messages restore the propagated context.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(b *Bus) { b.propagator = p }
}

// WithShutdownTimeout bounds the Stop issued by Run and Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.shutdownTimeout = d
		}
	}
}

// WithClaimErrorDelay sets how long a worker waits after a failed claim.
func WithClaimErrorDelay(d time.Duration) Option {
	return func(b *Bus) { b.claimErrorDelay = d }
}
