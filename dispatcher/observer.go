package dispatcher

import (
	"context"
	"time"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

// Observer is notified around every claimed message. Calls happen on the worker
// goroutine, so implementations should return quickly.
type Observer interface {
	OnClaimed(ctx context.Context, env cbus.Envelope)
	OnResolved(ctx context.Context, env cbus.Envelope, outcome Outcome, err error, d time.Duration)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Claimed  func(ctx context.Context, env cbus.Envelope)
	Resolved func(ctx context.Context, env cbus.Envelope, outcome Outcome, err error, d time.Duration)
}

func (o ObserverFuncs) OnClaimed(ctx context.Context, env cbus.Envelope) {
	if o.Claimed != nil {
		o.Claimed(ctx, env)
	}
}

func (o ObserverFuncs) OnResolved(ctx context.Context, env cbus.Envelope, outcome Outcome, err error, d time.Duration) {
	if o.Resolved != nil {
		o.Resolved(ctx, env, outcome, err, d)
	}
}
