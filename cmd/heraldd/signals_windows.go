//go:build windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// notifySignals returns a context cancelled by an interrupt. Windows has
// no SIGTSTP, so quiet never fires.
func notifySignals(parent context.Context, _ *slog.Logger) (ctx context.Context, stop context.CancelFunc, quiet <-chan struct{}) {
	ctx, stop = signal.NotifyContext(parent, os.Interrupt)
	return ctx, stop, nil
}
