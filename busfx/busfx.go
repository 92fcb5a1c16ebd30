// Package busfx wires a service bus into a go.uber.org/fx application.
//
// Module provides the Registry and Bus, runs every registration supplied with
// Handlers, starts the bus when the app starts and on stop drains it before closing
// the transport. The application supplies a cbus.Transport, either directly or with
// FromConfig.
package busfx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/fx"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
	"github.com/next-trace/scg-bus-runtime/registry"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

// Settings tunes the bus started by Module. Zero values fall back to one worker and
// the bus default shutdown timeout.
type Settings struct {
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Registration adds handlers to the registry before the bus starts.
type Registration func(r *registry.Registry) error

// Module is the fx option set for the bus.
var Module = fx.Module("bus",
	fx.Provide(
		NewRegistry,
		NewBus,
		func(b *servicebus.Bus) cbus.Bus { return b },
	),
	fx.Invoke(register, registerHooks),
)

// Handlers contributes registrations to Module.
func Handlers(regs ...Registration) fx.Option {
	opts := make([]fx.Option, 0, len(regs))

	for _, reg := range regs {
		opts = append(opts, fx.Provide(fx.Annotated{
			Group:  "bus.handlers",
			Target: func() Registration { return reg },
		}))
	}

	return fx.Options(opts...)
}

// Observers contributes dispatcher observers to the bus built by Module.
func Observers(obs ...dispatcher.Observer) fx.Option {
	opts := make([]fx.Option, 0, len(obs))

	for _, o := range obs {
		opts = append(opts, fx.Provide(fx.Annotated{
			Group:  "bus.observers",
			Target: func() dispatcher.Observer { return o },
		}))
	}

	return fx.Options(opts...)
}

type registryParams struct {
	fx.In

	Logger *slog.Logger `optional:"true"`
}

// NewRegistry provides an empty handler registry.
func NewRegistry(p registryParams) *registry.Registry {
	return registry.New(p.Logger)
}

type busParams struct {
	fx.In

	Transport  cbus.Transport
	Registry   *registry.Registry
	Logger     *slog.Logger          `optional:"true"`
	Propagator cbus.HeaderPropagator `optional:"true"`
	Settings   Settings              `optional:"true"`
	Observers  []dispatcher.Observer `group:"bus.observers"`
}

// NewBus provides a stopped Bus over the application's transport.
func NewBus(p busParams) *servicebus.Bus {
	opts := []servicebus.Option{
		servicebus.WithLogger(p.Logger),
		servicebus.WithRegistry(p.Registry),
		servicebus.WithObserver(p.Observers...),
	}

	if p.Propagator != nil {
		opts = append(opts, servicebus.WithPropagator(p.Propagator))
	}

	if p.Settings.ShutdownTimeout > 0 {
		opts = append(opts, servicebus.WithShutdownTimeout(p.Settings.ShutdownTimeout))
	}

	return servicebus.New(p.Transport, opts...)
}

type registerParams struct {
	fx.In

	Registry      *registry.Registry
	Registrations []Registration `group:"bus.handlers"`
}

func register(p registerParams) error {
	var errs []error

	for _, reg := range p.Registrations {
		if err := reg(p.Registry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type hookParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Bus       *servicebus.Bus
	Transport cbus.Transport
	Settings  Settings     `optional:"true"`
	Logger    *slog.Logger `optional:"true"`
}

func registerHooks(p hookParams) {
	n := p.Settings.Concurrency
	if n < 1 {
		n = 1
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return p.Bus.Start(n)
		},
		OnStop: func(ctx context.Context) error {
			err := p.Bus.Stop(ctx)

			if cerr := p.Transport.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}

			if err != nil && p.Logger != nil {
				p.Logger.Error("bus shutdown", slog.String("error", err.Error()))
			}

			return err
		},
	})
}
