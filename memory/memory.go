// Package memory wires a Bus to the in-memory transport for tests and local runs.
package memory

import (
	"github.com/next-trace/scg-bus-runtime/adapters/inmemory"
	"github.com/next-trace/scg-bus-runtime/servicebus"
)

// New constructs a service bus backed by the in-memory transport. The cleanup function
// stops the bus and closes the transport.
func New(opts ...servicebus.Option) (*servicebus.Bus, *inmemory.Transport, func()) {
	tr := inmemory.New()
	sb := servicebus.New(tr, opts...)

	cleanup := func() {
		_ = sb.Close()
		_ = tr.Close()
	}

	return sb, tr, cleanup
}
