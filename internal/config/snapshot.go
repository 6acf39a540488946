package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is the immutable Configuration value a Manager is
// constructed with. Only the HotReloadable subset is ever swapped
// live; everything else is fixed once NewSnapshot returns.
type Snapshot struct {
	Config
	hot atomic.Pointer[HotReloadable]
}

// NewSnapshot wraps cfg in a Snapshot ready to be shared with the
// components constructed from it.
func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{Config: cfg}
	hr := cfg.HotReloadable()
	s.hot.Store(&hr)
	return s
}

// Current returns the live HotReloadable values — reflecting the most
// recent reload, if any.
func (s *Snapshot) Current() HotReloadable {
	return *s.hot.Load()
}

// Watcher watches the backing YAML file for changes and atomically
// swaps in the new HotReloadable values on every write, grounded on
// the teacher's unused fsnotify dependency — given a home here instead
// of left unwired.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	snap    *Snapshot
	logger  *slog.Logger
	done    chan struct{}
}

// WatchConfigFile starts watching path for changes that affect snap's
// hot-reloadable fields. Call Close to stop.
func WatchConfigFile(path string, snap *Snapshot, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, path: path, snap: snap, logger: logger, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			hr := cfg.HotReloadable()
			w.snap.hot.Store(&hr)
			w.logger.Info("config hot-reloaded", "max_sessions", hr.MaxSessions,
				"max_sessions_per_user", hr.MaxSessionsPerUser,
				"memory_limit_mb", hr.MemoryLimitMB)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
