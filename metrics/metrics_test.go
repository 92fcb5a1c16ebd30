package metrics_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-bus-runtime/adapters/inmemory"
	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
	"github.com/next-trace/scg-bus-runtime/metrics"
	"github.com/next-trace/scg-bus-runtime/registry"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

type stockReserved struct{}

func (stockReserved) MessageName() string { return "inventory/stock-reserved" }

func TestCollector_ObservesOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()

	c, err := metrics.New(reg)
	require.NoError(t, err)

	env := cbus.Envelope{Name: "inventory/stock-reserved"}

	c.OnClaimed(t.Context(), env)
	c.OnResolved(t.Context(), env, dispatcher.OutcomeFailed, errors.New("x"), 10*time.Millisecond)
	c.OnClaimed(t.Context(), env)
	c.OnResolved(t.Context(), env, dispatcher.OutcomeHandled, nil, 5*time.Millisecond)

	expected := `
# HELP bus_messages_resolved_total messages resolved by outcome
# TYPE bus_messages_resolved_total counter
bus_messages_resolved_total{message="inventory/stock-reserved",outcome="failed"} 1
bus_messages_resolved_total{message="inventory/stock-reserved",outcome="handled"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bus_messages_resolved_total"))

	count, err := testutil.GatherAndCount(reg, "bus_handling_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCollector_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	require.Error(t, err)
}

func TestCollector_WithBus(t *testing.T) {
	reg := prometheus.NewRegistry()

	c, err := metrics.New(reg)
	require.NoError(t, err)

	tr := inmemory.New()
	require.NoError(t, c.WatchDepth(tr))

	b := servicebus.New(tr, servicebus.WithObserver(c))
	c.Attach(b)

	require.NoError(t, registry.RegisterFunc(b.Registry(), func(context.Context, stockReserved, cbus.Attributes) error { return nil }))

	require.NoError(t, b.Send(t.Context(), stockReserved{}))
	require.NoError(t, b.Publish(t.Context(), stockReserved{}))

	expected := `
# HELP bus_transport_depth messages pending or in flight at the transport
# TYPE bus_transport_depth gauge
bus_transport_depth 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bus_transport_depth"))

	require.NoError(t, b.Start(1))
	defer func() { require.NoError(t, b.Close()) }()

	require.Eventually(t, func() bool { return b.Stats().Handled == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := testutil.GatherAndCount(reg, "bus_handling_duration_seconds")
		return n == 1
	}, time.Second, time.Millisecond)

	emitted := `
# HELP bus_messages_emitted_total messages sent or published
# TYPE bus_messages_emitted_total counter
bus_messages_emitted_total{kind="publish",message="inventory/stock-reserved"} 1
bus_messages_emitted_total{kind="send",message="inventory/stock-reserved"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(emitted), "bus_messages_emitted_total"))
}
