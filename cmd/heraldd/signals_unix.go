//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifySignals returns a context cancelled by SIGTERM or SIGINT. Each
// SIGTSTP is forwarded on quiet instead, asking the node to stop
// leasing jobs while it keeps serving.
func notifySignals(parent context.Context, logger *slog.Logger) (ctx context.Context, stop context.CancelFunc, quiet <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP)

	q := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if sig == unix.SIGTSTP {
					logger.Info("received SIGTSTP, stopping workers")
					select {
					case q <- struct{}{}:
					default:
					}
					continue
				}
				logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}()
	return ctx, cancel, q
}
