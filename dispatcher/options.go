package dispatcher

import (
	"log/slog"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. A nil logger keeps the discard default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithObserver appends observers, notified in registration order.
func WithObserver(obs ...Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs...) }
}

// WithExtractor restores propagated context from message attributes before handling.
func WithExtractor(e cbus.HeaderExtractor) Option {
	return func(d *Dispatcher) { d.extractor = e }
}

// WithClaimErrorDelay sets how long a slot waits after a failed claim.
func WithClaimErrorDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.claimErrorDelay = delay
		}
	}
}
