package bus

import "context"

// Bus is the minimal, tech-agnostic surface of the service bus for consumers that want
// to depend only on contracts.
type Bus interface {
	// Lifecycle
	Start(concurrency int) error
	Stop(ctx context.Context) error

	// Messaging
	Send(ctx context.Context, msg Message, attrs ...Attributes) error
	Publish(ctx context.Context, msg Message, attrs ...Attributes) error

	Close() error
}
