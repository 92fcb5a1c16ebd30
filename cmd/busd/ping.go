package main

import (
	"context"
	"log/slog"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/registry"
)

// Ping lets operators check the full send-claim-handle path of a running daemon.
type Ping struct {
	Note string `json:"note"`
}

func (Ping) MessageName() string { return "busd.ping" }

func registerPing(r *registry.Registry) error {
	return registry.RegisterFunc(r, handlePing)
}

func handlePing(ctx context.Context, p Ping, attrs cbus.Attributes) error {
	slog.InfoContext(ctx, "ping handled",
		slog.String("note", p.Note),
		slog.String("correlationId", attrs.CorrelationID))

	return nil
}
