package bus

import "context"

// Handler processes one message type. Implementations must be safe for concurrent use by
// multiple goroutines: different messages of the same type may be handled at once.
type Handler interface {
	Handle(ctx context.Context, msg Message, attrs Attributes) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg Message, attrs Attributes) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message, attrs Attributes) error {
	return f(ctx, msg, attrs)
}

// Named lets a handler report the name used in logs and duplicate errors.
type Named interface {
	HandlerName() string
}
