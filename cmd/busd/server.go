package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"

	"github.com/next-trace/scg-bus-runtime/config"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

type health struct {
	State     string `json:"state"`
	InFlight  int32  `json:"inFlight"`
	Handled   int64  `json:"handled"`
	Unhandled int64  `json:"unhandled"`
	Failed    int64  `json:"failed"`
	Depth     *int   `json:"depth,omitempty"`
}

func newRouter(b *servicebus.Bus, depth func(context.Context) (int, error), g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		s := b.Stats()
		h := health{
			State:     b.State().String(),
			InFlight:  s.InFlight,
			Handled:   s.Handled,
			Unhandled: s.Unhandled,
			Failed:    s.Failed,
		}

		if depth != nil {
			if n, err := depth(req.Context()); err == nil {
				h.Depth = &n
			}
		}

		status := http.StatusOK
		if b.State() != servicebus.StateStarted {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(h)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return otelhttp.NewHandler(r, "busd",
		otelhttp.WithFilter(func(req *http.Request) bool { return req.URL.Path != "/healthz" }))
}

type serverParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Bus       *servicebus.Bus
	Transport cbus.Transport
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

func registerServer(p serverParams) {
	srv := &http.Server{
		Addr:              p.Config.HTTPAddr,
		Handler:           newRouter(p.Bus, p.Transport.Depth, p.Registry),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}

			p.Logger.Info("http server starting", slog.String("addr", ln.Addr().String()))

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("http server failed", slog.String("error", err.Error()))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("http server stopping")
			return srv.Shutdown(ctx)
		},
	})
}
