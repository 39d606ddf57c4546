package config

import (
	"os"
	"sync"
	"time"

	"grid_trader/internal/core"
)

// Watcher re-reads the parameter file on demand, at most once per
// reload interval. On parse or validation error the previously good
// snapshot is retained. The watcher never blocks the caller on I/O it
// can skip: an unchanged mtime is a no-op.
type Watcher struct {
	path     string
	interval time.Duration
	logger   core.Logger

	mu           sync.RWMutex
	current      *GridParams
	lastModified time.Time
	lastChecked  time.Time
}

// NewWatcher loads the initial snapshot. A failure here is fatal: the
// process must not start without valid parameters.
func NewWatcher(path string, interval time.Duration, logger core.Logger) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.WithField("component", "config_watcher"),
	}

	params, unknown, err := ParseParams(path)
	if err != nil {
		return nil, err
	}
	for _, k := range unknown {
		w.logger.Warn("Ignoring unknown parameter key", "key", k)
	}

	w.current = params
	if fi, err := os.Stat(path); err == nil {
		w.lastModified = fi.ModTime()
	}
	w.lastChecked = time.Now()
	return w, nil
}

// Current returns the active immutable snapshot.
func (w *Watcher) Current() *GridParams {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file if the reload interval has elapsed and the
// file changed. Returns true when a new snapshot was installed.
func (w *Watcher) Reload() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.lastChecked) < w.interval {
		return false
	}
	w.lastChecked = now

	fi, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("Params file unreadable, keeping last good snapshot", "error", err)
		return false
	}
	if fi.ModTime().Equal(w.lastModified) {
		return false
	}

	params, unknown, err := ParseParams(w.path)
	if err != nil {
		w.logger.Warn("Params reload rejected, keeping last good snapshot", "error", err)
		return false
	}
	for _, k := range unknown {
		w.logger.Warn("Ignoring unknown parameter key", "key", k)
	}

	w.current = params
	w.lastModified = fi.ModTime()
	w.logger.Info("Params reloaded",
		"direction", params.TradeDirection,
		"max_level", params.MaxEntryLevel,
		"tp_pct", params.TPPct,
		"be_pct", params.BEPct,
	)
	return true
}
