package bus

import (
	"context"
	"encoding/json"
)

// Envelope is the transport-level record of one message.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Body       json.RawMessage `json:"body"`
	Attributes Attributes      `json:"attributes"`
	// SeenCount is the number of previous deliveries, when the transport tracks it.
	SeenCount int `json:"seenCount,omitempty"`
}

// Inflight is a claimed message plus whatever receipt the transport needs to delete or
// retry it. A handle is owned by exactly one worker until it is resolved.
type Inflight interface {
	Envelope() Envelope
}

// Transport is the queue-like capability the bus runs on. Implementations must be safe
// for concurrent use by every worker slot.
type Transport interface {
	// ClaimNext blocks until a message is available or ctx ends, in which case the
	// context error is returned.
	ClaimNext(ctx context.Context) (Inflight, error)
	// Delete acknowledges successful processing.
	Delete(ctx context.Context, m Inflight) error
	// Retry releases the message for redelivery under the transport's own policy.
	Retry(ctx context.Context, m Inflight) error

	Send(ctx context.Context, msg Message, attrs Attributes) error
	Publish(ctx context.Context, msg Message, attrs Attributes) error

	// Depth reports messages not yet deleted.
	Depth(ctx context.Context) (int, error)
	Close() error
}
