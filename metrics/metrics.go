// Package metrics exposes dispatcher and bus activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

const (
	namespace    = "bus"
	depthTimeout = 2 * time.Second
)

// Collector implements dispatcher.Observer and records bus hook events.
type Collector struct {
	reg prometheus.Registerer

	claimed  *prometheus.CounterVec
	resolved *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	emitted  *prometheus.CounterVec
}

var _ dispatcher.Observer = (*Collector)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		reg: reg,
		claimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_claimed_total", Help: "messages claimed from the transport"},
			[]string{"message"},
		),
		resolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_resolved_total", Help: "messages resolved by outcome"},
			[]string{"message", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handling_duration_seconds",
				Help:      "time from claim to resolve.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"message", "outcome"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "messages_in_flight", Help: "messages currently being handled"},
		),
		emitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_emitted_total", Help: "messages sent or published"},
			[]string{"message", "kind"},
		),
	}

	for _, col := range []prometheus.Collector{c.claimed, c.resolved, c.duration, c.inFlight, c.emitted} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) OnClaimed(_ context.Context, env cbus.Envelope) {
	c.claimed.WithLabelValues(env.Name).Inc()
	c.inFlight.Inc()
}

func (c *Collector) OnResolved(_ context.Context, env cbus.Envelope, outcome dispatcher.Outcome, _ error, d time.Duration) {
	c.inFlight.Dec()
	c.resolved.WithLabelValues(env.Name, outcome.String()).Inc()
	c.duration.WithLabelValues(env.Name, outcome.String()).Observe(d.Seconds())
}

// Emitted counts send and publish hook events. Register it with Bus.On.
func (c *Collector) Emitted(_ context.Context, h servicebus.Hook) {
	if h.Message == nil {
		return
	}

	c.emitted.WithLabelValues(h.Message.MessageName(), string(h.Event)).Inc()
}

// Attach subscribes the collector to the send and publish hooks of b.
func (c *Collector) Attach(b *servicebus.Bus) {
	b.On(cbus.HookSend, c.Emitted)
	b.On(cbus.HookPublish, c.Emitted)
}

// WatchDepth registers a gauge that reads the transport depth on every scrape.
// Scrapes report -1 when the transport cannot answer.
func (c *Collector) WatchDepth(t cbus.Transport) error {
	return c.reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "transport_depth", Help: "messages pending or in flight at the transport"},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), depthTimeout)
			defer cancel()

			n, err := t.Depth(ctx)
			if err != nil {
				return -1
			}

			return float64(n)
		},
	))
}
