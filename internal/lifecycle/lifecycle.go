// Package lifecycle coordinates the bot daemon's startup and graceful
// shutdown (C7): a shared cancellation context for the accept loop and
// the Telegram update loop, and a bounded drain of whatever requests
// are still pending when a shutdown signal arrives.
package lifecycle

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"telereach/internal/ipcserver"
	"telereach/internal/protocol"
	"telereach/internal/registry"
)

// DefaultGracePeriod bounds how long shutdown waits for in-flight
// Telegram edits to finish before returning regardless.
const DefaultGracePeriod = 5 * time.Second

// Finalizer is the subset of ipcserver.Dispatcher lifecycle needs to
// settle pending requests on the way out.
type Finalizer interface {
	Finalize(ctx context.Context, snap registry.Snapshot, suffix string)
}

// Supervisor runs the socket server and the Telegram long-poll loop
// under one cancellation context, and drains the registry on shutdown.
type Supervisor struct {
	Server      *ipcserver.Server
	Registry    *registry.Registry
	Finalizer   Finalizer
	Log         *zap.SugaredLogger
	GracePeriod time.Duration

	// StartTelegram runs the Telegram bot's update loop; it must return
	// once ctx is cancelled. Left pluggable so lifecycle doesn't need to
	// import the telegram package's bot.Bot wiring directly.
	StartTelegram func(ctx context.Context) error
}

// Run blocks until SIGINT/SIGTERM, then drains and returns.
func (s *Supervisor) Run(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := s.Server.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.Server.Serve(ctx) }()
	if s.StartTelegram != nil {
		go func() {
			if err := s.StartTelegram(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.Log.Infow("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil {
			s.Log.Errorw("component exited unexpectedly, shutting down", "error", err)
		}
		cancel()
	}

	return s.drain()
}

func (s *Supervisor) drain() error {
	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	snaps := s.Registry.CancelAll()
	s.Log.Infow("cancelling pending requests", "count", len(snaps))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
	defer drainCancel()

	done := make(chan struct{})
	go func() {
		for _, snap := range snaps {
			s.Finalizer.Finalize(drainCtx, snap, protocol.StatusSuffix(protocol.DecisionTimeout))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-drainCtx.Done():
		s.Log.Warnw("drain grace period elapsed before every message was finalized")
	}

	return s.Server.Close()
}

