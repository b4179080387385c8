package engine

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"tabsync/internal/procmon"
	"tabsync/internal/syncerrors"
)

// Watch ties the engine to the application lifecycle: pull the latest
// configuration when the process starts, push local edits when it stops
// and something actually changed in between. Runs until ctx is
// cancelled; cancellation takes effect between cycles, never inside
// one.
func (e *Engine) Watch(ctx context.Context, mon *procmon.Monitor, tracker *Tracker) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tracker.Run(gctx)
	})

	g.Go(func() error {
		return mon.Watch(gctx, e.onProcessStarted(tracker), e.onProcessStopped(tracker))
	})

	return g.Wait()
}

// onProcessStarted pulls remote changes so the application launches
// with the freshest configuration. A probe of the record's timestamp
// skips the download when nothing changed since the last pull.
func (e *Engine) onProcessStarted(tracker *Tracker) func(context.Context) error {
	return func(ctx context.Context) error {
		updated, err := e.remote.ProbeUpdatedAt(ctx)
		switch {
		case errors.Is(err, syncerrors.ErrRemoteNotFound):
			return nil
		case errors.Is(err, syncerrors.ErrTransport):
			e.logger.Warn("remote record unreachable, skipping pull", slog.String("error", err.Error()))
			return nil
		case err != nil:
			return err
		}

		if lastPull := e.store.LastPull(); !lastPull.IsZero() && !updated.After(lastPull) {
			e.logger.Debug("remote unchanged since last pull, skipping download")
			return nil
		}

		report, err := e.Sync(ctx, ForceDownload)
		if err != nil {
			return err
		}

		if err := report.Failed(); err != nil {
			return err
		}

		tracker.Reset()

		return nil
	}
}

// onProcessStopped uploads local edits made while the application ran.
// An unchanged config means no upload at all.
func (e *Engine) onProcessStopped(tracker *Tracker) func(context.Context) error {
	return func(ctx context.Context) error {
		if !tracker.Dirty() {
			e.logger.Debug("config unchanged while process ran, skipping upload")
			return nil
		}

		report, err := e.Sync(ctx, ForceUpload)
		if err != nil {
			return err
		}

		if err := report.Failed(); err != nil {
			return err
		}

		tracker.Reset()

		return nil
	}
}
