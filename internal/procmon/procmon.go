// Package procmon watches for a named process appearing and
// disappearing, polling the OS process table. It reports transitions
// only: a callback fires once when the process starts and once when it
// stops, never on every poll.
package procmon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Monitor polls for a process by executable name.
type Monitor struct {
	name     string
	interval time.Duration
	logger   *slog.Logger

	// probe is swappable for tests.
	probe func() (bool, error)
}

// New creates a monitor for the given executable name.
func New(name string, interval time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{name: name, interval: interval, logger: logger}
	m.probe = m.processRunning

	return m
}

// Running reports whether the monitored process currently exists.
func (m *Monitor) Running() (bool, error) {
	return m.probe()
}

func (m *Monitor) processRunning() (bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return false, fmt.Errorf("listing processes: %w", err)
	}

	want := normalizeName(m.name)

	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}

		if normalizeName(name) == want {
			return true, nil
		}
	}

	return false, nil
}

// normalizeName lowercases and strips the .exe suffix so one configured
// name matches across platforms.
func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".exe")
}

// Watch polls until ctx is cancelled, invoking onStart and onStop on
// transitions. Callbacks run with a context detached from cancellation:
// a shutdown signal waits for the in-flight callback to finish rather
// than aborting it mid-write, and takes effect on the next tick.
func (m *Monitor) Watch(ctx context.Context, onStart, onStop func(context.Context) error) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	running, err := m.Running()
	if err != nil {
		return err
	}

	m.logger.Info("watching process",
		slog.String("name", m.name),
		slog.Bool("running", running),
		slog.Duration("interval", m.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now, err := m.Running()
		if err != nil {
			m.logger.Warn("process probe failed", slog.String("error", err.Error()))
			continue
		}

		if now == running {
			continue
		}
		running = now

		cb := onStop
		event := "stopped"
		if now {
			cb = onStart
			event = "started"
		}

		m.logger.Info("process transition",
			slog.String("name", m.name),
			slog.String("event", event),
		)

		if cb == nil {
			continue
		}

		if err := cb(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("transition handler failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}
