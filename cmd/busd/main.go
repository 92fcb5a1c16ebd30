// Command busd hosts a service bus configured from the environment. It serves
// Prometheus metrics and a health endpoint, and drains in-flight handlers on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/next-trace/scg-bus-runtime/busfx"
	"github.com/next-trace/scg-bus-runtime/config"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
	"github.com/next-trace/scg-bus-runtime/logging"
	"github.com/next-trace/scg-bus-runtime/metrics"
	"github.com/next-trace/scg-bus-runtime/servicebus"
	"github.com/next-trace/scg-bus-runtime/tracing"
)

const startTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "busd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxevent.SlogLogger{Logger: logger} }),
		fx.Supply(logger),
		busfx.FromConfig(cfg),
		busfx.Module,
		busfx.Handlers(registerPing),
		fx.Provide(
			newPrometheusRegistry,
			metrics.New,
			func() cbus.HeaderPropagator { return tracing.NewPropagator(nil) },
			fx.Annotated{Group: "bus.observers", Target: func(c *metrics.Collector) dispatcher.Observer { return c }},
			fx.Annotated{Group: "bus.observers", Target: func() dispatcher.Observer { return tracing.NewObserver(tp) }},
		),
		fx.Invoke(attachMetrics, registerServer),
	)

	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if err := app.Start(startCtx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancelStop()

	err = app.Stop(stopCtx)

	if terr := tp.Shutdown(stopCtx); terr != nil {
		logger.Error("tracer shutdown", slog.String("error", terr.Error()))
	}

	return err
}

// newPrometheusRegistry returns a registry with the Go runtime and process collectors.
// It is both the Registerer for bus metrics and the Gatherer behind /metrics.
func newPrometheusRegistry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg, reg
}

func attachMetrics(c *metrics.Collector, b *servicebus.Bus, t cbus.Transport) error {
	c.Attach(b)
	return c.WatchDepth(t)
}
