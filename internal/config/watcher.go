package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors config.yaml for changes using fsnotify and fires a
// callback with the freshly loaded config. The running server uses it to
// hot-reload the audited field set.
//
// The directory is watched rather than the file, so editors that replace
// the file on save are still picked up. Call Close() to stop.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	done      chan struct{}
}

// NewWatcher starts watching the config file at path. onChange runs on the
// watcher goroutine after every successful reload; a file that fails to
// load or validate is logged and ignored, keeping the running config.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		path:      path,
		done:      make(chan struct{}),
	}
	go w.processEvents(onChange)

	slog.Info("config watcher started", "path", path)
	return w, nil
}

func (w *Watcher) processEvents(onChange func(*Config)) {
	name := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
				continue
			}
			slog.Info("config.yaml changed, reloaded")
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
