package bus

import "context"

// HeaderPropagator injects cross-process context, such as a trace, into message
// attributes. Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// HeaderExtractor is the receiving half of a HeaderPropagator. When the configured
// propagator also implements it, the dispatcher restores the context before handling.
type HeaderExtractor interface {
	Extract(ctx context.Context, headers map[string]string) context.Context
}
