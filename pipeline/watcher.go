package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cache entries when the shader files they were built from change.
// Changes are noticed in the background and applied to the cache by Apply, which must be
// called from the goroutine that owns the cache.
type Watcher struct {
	logger *slog.Logger
	cache  *Cache
	fs     *fsnotify.Watcher

	mutex   sync.Mutex
	files   map[string]struct{}
	changed map[string]struct{}

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher starts watching the shader files of every entry in cache, and of every entry the
// cache builds until the Watcher is closed
func NewWatcher(logger *slog.Logger, cache *Cache) (*Watcher, error) {
	if cache.watcher != nil {
		return nil, errors.New("the cache is already being watched")
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	w := &Watcher{
		logger:  logger,
		cache:   cache,
		fs:      fs,
		files:   make(map[string]struct{}),
		changed: make(map[string]struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()

	var paths []string
	cache.entries.Iter(func(key string, entry *Entry) bool {
		paths = append(paths, entry.paths...)
		return false
	})
	for _, path := range paths {
		if err := w.Watch(path); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	cache.watcher = w
	return w, nil
}

// Watch adds a shader file to the watch list. The file's directory is watched rather than the
// file itself, so that editors which save by replacing the file are still noticed.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve shader path %s", path)
	}

	w.mutex.Lock()
	_, watched := w.files[abs]
	w.files[abs] = struct{}{}
	w.mutex.Unlock()

	if watched {
		return nil
	}
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}
	return nil
}

func (w *Watcher) run() {
	defer close(w.stopped)

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			name := filepath.Clean(event.Name)
			w.mutex.Lock()
			if _, ok := w.files[name]; ok {
				w.changed[name] = struct{}{}
			}
			w.mutex.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.LogAttrs(context.Background(), slog.LevelWarn, "shader watcher error",
				slog.Any("error", err))

		case <-w.done:
			return
		}
	}
}

// Pending reports whether any watched file has changed since the last call to Apply
func (w *Watcher) Pending() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return len(w.changed) > 0
}

// Apply invalidates every entry built from a file that has changed since the last call, and
// returns the number of entries invalidated
func (w *Watcher) Apply() int {
	w.mutex.Lock()
	paths := make([]string, 0, len(w.changed))
	for path := range w.changed {
		paths = append(paths, path)
	}
	clear(w.changed)
	w.mutex.Unlock()

	slices.Sort(paths)

	count := 0
	for _, path := range paths {
		invalidated := w.cache.InvalidatePath(path)
		if invalidated > 0 {
			w.logger.LogAttrs(context.Background(), slog.LevelInfo, "shader changed",
				slog.String("path", path),
				slog.Int("invalidated", invalidated))
		}
		count += invalidated
	}
	return count
}

// Close stops watching. Entries built afterwards are not watched.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	<-w.stopped

	if w.cache.watcher == w {
		w.cache.watcher = nil
	}
	return errors.Wrap(err, "failed to close file watcher")
}
