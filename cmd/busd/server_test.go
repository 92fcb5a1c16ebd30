package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-bus-runtime/memory"
	"github.com/next-trace/scg-bus-runtime/metrics"
	"github.com/next-trace/scg-bus-runtime/registry"
)

func TestHealthz(t *testing.T) {
	b, tr, cleanup := memory.New()
	t.Cleanup(cleanup)

	h := newRouter(b, tr.Depth, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, b.Start(1))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "started", got.State)
	require.NotNil(t, got.Depth)
	assert.Equal(t, 0, *got.Depth)
}

func TestMetricsEndpoint(t *testing.T) {
	b, _, cleanup := memory.New()
	t.Cleanup(cleanup)

	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	require.NoError(t, err)
	c.Attach(b)

	require.NoError(t, b.Send(context.Background(), Ping{Note: "hi"}))

	rec := httptest.NewRecorder()
	newRouter(b, nil, reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bus_messages_emitted_total{kind="send",message="busd.ping"} 1`)
}

func TestPingHandled(t *testing.T) {
	b, tr, cleanup := memory.New()
	t.Cleanup(cleanup)

	require.NoError(t, registerPing(b.Registry()))
	require.NoError(t, b.Start(1))
	require.NoError(t, b.Send(context.Background(), Ping{Note: "hello"}))

	require.Eventually(t, func() bool {
		n, err := tr.Depth(context.Background())
		return err == nil && n == 0 && b.Stats().Handled == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"main.handlePing"}, b.Registry().HandlerNames(Ping{}.MessageName()))
}

func TestRegisterPingTwice(t *testing.T) {
	r := registry.New(nil)

	require.NoError(t, registerPing(r))
	require.Error(t, registerPing(r))
}
