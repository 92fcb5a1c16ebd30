package dispatcher

import (
	"context"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

type handlingKey struct{}

// WithHandling marks ctx as handling env. Messages sent from this context inherit its
// correlation id and sticky attributes.
func WithHandling(ctx context.Context, env cbus.Envelope) context.Context {
	return context.WithValue(ctx, handlingKey{}, env)
}

// Handling returns the envelope being handled in ctx, if any.
func Handling(ctx context.Context) (cbus.Envelope, bool) {
	env, ok := ctx.Value(handlingKey{}).(cbus.Envelope)
	return env, ok
}
