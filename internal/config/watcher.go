package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/convoy/internal/log"
)

// Reload is one outcome of re-reading the config after a change on disk.
// Exactly one of Config and Err is set.
type Reload struct {
	Config *Config
	Err    error
}

// Watcher reloads configuration when any of its source files change. It
// watches parent directories so editors that replace files atomically are
// still seen.
type Watcher struct {
	Path    string
	Reloads <-chan Reload

	reloads  chan Reload
	done     chan struct{}
	watcher  *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
}

// NewWatcher creates a watcher for the config rooted at path. files are the
// absolute source files to track, usually Config.SourceFiles.
func NewWatcher(path string, files []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ch := make(chan Reload, 4)
	w := &Watcher{
		Path:     path,
		Reloads:  ch,
		reloads:  ch,
		done:     make(chan struct{}),
		watcher:  fw,
		files:    make(map[string]bool, len(files)),
		debounce: 200 * time.Millisecond,
	}
	for _, f := range files {
		w.files[filepath.Clean(f)] = true
	}
	return w, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			return err
		}
	}
	go w.loop()
	return nil
}

// Stop closes the watcher and the Reloads channel.
func (w *Watcher) Stop() {
	_ = w.watcher.Close()
	<-w.done
	close(w.reloads)
}

func (w *Watcher) loop() {
	defer close(w.done)

	logger := log.WithComponent("config-watcher")
	var pending time.Time
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			cfg, err := Load(w.Path)
			if err != nil {
				logger.Warn("config reload failed; keeping previous config", "error", err)
				w.emit(Reload{Err: err})
				continue
			}
			logger.Info("config reloaded", "path", w.Path)
			w.emit(Reload{Config: cfg})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Debug("watch error", "error", err)
		}
	}
}

// emit never blocks the loop; an unread reload is dropped in favour of the
// next one.
func (w *Watcher) emit(r Reload) {
	select {
	case w.reloads <- r:
	default:
	}
}
