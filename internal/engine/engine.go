// Package engine runs the live event loop: closed bars from the market
// stream, periodic heartbeats, and parameter reloads, all funneled into
// the reconciler one at a time.
package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/reconciler"
	apperrors "grid_trader/pkg/errors"
)

// Engine owns the task group around one reconciler.
type Engine struct {
	stream     core.KlineStream
	reconciler *reconciler.Reconciler
	watcher    *config.Watcher
	logger     core.Logger

	heartbeatInterval time.Duration
	reloadInterval    time.Duration
}

// New wires the engine.
func New(
	stream core.KlineStream,
	rec *reconciler.Reconciler,
	watcher *config.Watcher,
	heartbeatInterval, reloadInterval time.Duration,
	logger core.Logger,
) *Engine {
	return &Engine{
		stream:            stream,
		reconciler:        rec,
		watcher:           watcher,
		heartbeatInterval: heartbeatInterval,
		reloadInterval:    reloadInterval,
		logger:            logger.WithField("component", "engine"),
	}
}

// Run blocks until the context is cancelled or a non-recoverable error
// surfaces. On shutdown resting venue orders are left in place; the
// persisted snapshot reattaches to them on restart.
func (e *Engine) Run(ctx context.Context) error {
	bars, err := e.stream.Start(ctx)
	if err != nil {
		return err
	}
	defer e.stream.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case bar, ok := <-bars:
				if !ok {
					return nil
				}
				if !bar.Closed {
					continue
				}
				if err := e.reconciler.OnBarClose(ctx, bar); err != nil {
					if recoverable(err) {
						e.logger.Warn("Bar reconciliation failed, will retry on next event", "error", err)
						continue
					}
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := e.reconciler.OnHeartbeat(ctx); err != nil {
					if recoverable(err) {
						e.logger.Warn("Heartbeat reconciliation failed, will retry", "error", err)
						continue
					}
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if !e.watcher.Reload() {
					continue
				}
				if err := e.reconciler.OnParamsReload(ctx); err != nil {
					if recoverable(err) {
						e.logger.Warn("Reload reconciliation failed, will retry", "error", err)
						continue
					}
					return err
				}
			}
		}
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	e.logger.Info("Engine stopped, resting venue orders are kept")
	return nil
}

// recoverable reports whether a pass failure should be retried on the
// next event instead of stopping the engine.
func recoverable(err error) bool {
	if apperrors.IsFatal(err) || errors.Is(err, apperrors.ErrStateCorrupt) {
		return false
	}
	return true
}
