package servicebus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
)

// Hook describes a fired hook event. Message is set for send and publish; Envelope and
// Err are set for error.
type Hook struct {
	Event      cbus.HookEvent
	Message    cbus.Message
	Attributes cbus.Attributes
	Envelope   cbus.Envelope
	Err        error
}

// ListenerFunc receives hook events.
type ListenerFunc func(ctx context.Context, h Hook)

// Listener is the handle returned by On. Pass it to Off to unsubscribe.
type Listener struct {
	fn ListenerFunc
}

type hooks struct {
	mu        sync.RWMutex
	listeners map[cbus.HookEvent][]*Listener
	logger    *slog.Logger
}

func newHooks(logger *slog.Logger) *hooks {
	return &hooks{listeners: make(map[cbus.HookEvent][]*Listener), logger: logger}
}

func (h *hooks) on(event cbus.HookEvent, fn ListenerFunc) *Listener {
	l := &Listener{fn: fn}

	h.mu.Lock()
	h.listeners[event] = append(h.listeners[event], l)
	h.mu.Unlock()

	return l
}

func (h *hooks) off(event cbus.HookEvent, l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.listeners[event]

	i := slices.Index(list, l)
	if i < 0 {
		return
	}

	h.listeners[event] = slices.Delete(slices.Clone(list), i, i+1)
}

// fire calls every listener registered at the time of the call exactly once. Listeners
// added or removed while firing take effect on the next fire.
func (h *hooks) fire(ctx context.Context, hk Hook) {
	h.mu.RLock()
	snapshot := h.listeners[hk.Event]
	h.mu.RUnlock()

	for _, l := range snapshot {
		h.call(ctx, l, hk)
	}
}

func (h *hooks) call(ctx context.Context, l *Listener, hk Hook) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook listener panicked",
				slog.String("event", string(hk.Event)),
				slog.Any("panic", r))
		}
	}()

	l.fn(ctx, hk)
}

// errorHook fires the error event for failed deliveries.
type errorHook struct{ hooks *hooks }

func (errorHook) OnClaimed(context.Context, cbus.Envelope) {}

func (e errorHook) OnResolved(ctx context.Context, env cbus.Envelope, outcome dispatcher.Outcome, err error, _ time.Duration) {
	if outcome != dispatcher.OutcomeFailed {
		return
	}

	e.hooks.fire(ctx, Hook{Event: cbus.HookError, Attributes: env.Attributes, Envelope: env, Err: err})
}
