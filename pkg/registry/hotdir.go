package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alphafactory/hive/pkg/log"
)

// HotDirWatcher discovers plugin archives dropped into a directory at
// runtime. Discovery runs three ways: an initial scan at startup, a
// periodic rescan, and filesystem notifications for prompt pickup.
type HotDirWatcher struct {
	dir      string
	loader   *Loader
	interval time.Duration
	onLoad   func(name string)

	seen map[string]time.Time // archive path -> mtime at last successful load
}

// NewHotDirWatcher builds a watcher over dir. interval is the rescan
// cadence; onLoad, when set, is invoked with each newly loaded archive
// so callers can start the agent.
func NewHotDirWatcher(dir string, loader *Loader, interval time.Duration, onLoad func(name string)) *HotDirWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HotDirWatcher{
		dir:      dir,
		loader:   loader,
		interval: interval,
		onLoad:   onLoad,
		seen:     make(map[string]time.Time),
	}
}

// Scan walks the hot directory once and loads any new or changed
// archive. Failures are recorded against the registry and skipped.
func (w *HotDirWatcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithComponent("registry").Warn().Err(err).Str("dir", w.dir).Msg("hot directory unreadable")
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), PluginExt) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if last, ok := w.seen[path]; ok && !info.ModTime().After(last) {
			continue
		}
		if err := w.loader.Load(path); err != nil {
			// Remember the mtime anyway so a broken archive is not
			// retried every tick; touching the file retries it.
			w.seen[path] = info.ModTime()
			continue
		}
		w.seen[path] = info.ModTime()
		log.WithComponent("registry").Info().Str("plugin", e.Name()).Msg("hot-loaded plugin")
		if w.onLoad != nil {
			w.onLoad(e.Name())
		}
	}
}

// Run performs the initial scan and then blocks, rescanning on the
// configured interval and on filesystem events, until ctx is done.
func (w *HotDirWatcher) Run(ctx context.Context) {
	w.Scan()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(w.dir); err != nil {
			log.WithComponent("registry").Debug().Err(err).Str("dir", w.dir).Msg("fsnotify unavailable, falling back to rescans")
		} else {
			events = watcher.Events
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.Scan()
			}
		}
	}
}
