// Package logwatch tails the Claude CLI's per-session transcript files
// and turns their records into semantic events on the bus.
package logwatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/events/bus"
)

const transcriptExtension = ".jsonl"

// Watcher discovers transcript files under the projects root and runs
// one tailer per file. It only publishes to the bus; it never writes to
// the store.
type Watcher struct {
	root   string
	bus    bus.EventBus
	logger *logger.Logger

	fsw     *fsnotify.Watcher
	tailers map[string]*tailer
	mu      sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the given projects root.
func NewWatcher(root string, eventBus bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		root:    root,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "logwatch")),
		tailers: make(map[string]*tailer),
		stopCh:  make(chan struct{}),
	}
}

// Start enumerates existing transcript files, begins tailing them from
// end-of-file, and subscribes to filesystem notifications for new ones.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addDirectoryRecursive(w.root); err != nil {
		w.logger.Warn("initial directory walk incomplete", zap.Error(err))
	}

	// Pre-existing files carry history the UI does not need; tail them
	// from EOF so only live activity produces events.
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, transcriptExtension) {
			w.startTailer(path, true)
		}
		return nil
	})

	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.Info("log watcher started", zap.String("root", w.root))
	return nil
}

// Stop halts all tailers and the filesystem watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}

	w.mu.Lock()
	tailers := make([]*tailer, 0, len(w.tailers))
	for _, t := range w.tailers {
		tailers = append(tailers, t)
	}
	w.tailers = make(map[string]*tailer)
	w.mu.Unlock()

	for _, t := range tailers {
		t.stop()
	}
	w.wg.Wait()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			// Permission changes never carry new records.
			if event.Op == fsnotify.Chmod {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addDirectoryRecursive(event.Name); err != nil {
						w.logger.Debug("failed to watch new directory", zap.Error(err))
					}
					continue
				}
			}

			if !strings.HasSuffix(event.Name, transcriptExtension) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.stopTailer(event.Name)
			case event.Op&fsnotify.Create != 0:
				w.startTailer(event.Name, false)
			case event.Op&fsnotify.Write != 0:
				w.wakeTailer(event.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("filesystem watcher error", zap.Error(err))
		}
	}
}

// addDirectoryRecursive watches a directory tree, skipping hidden
// entries that never hold transcripts.
func (w *Watcher) addDirectoryRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != dir && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// startTailer begins tailing a file unless a tailer already exists.
// Wakes the existing tailer otherwise, so a Create racing a Write is
// never lost.
func (w *Watcher) startTailer(path string, fromEnd bool) {
	w.mu.Lock()
	if existing, ok := w.tailers[path]; ok {
		w.mu.Unlock()
		existing.wakeUp()
		return
	}

	t := newTailer(path, fromEnd, w.bus, w.logger)
	w.tailers[path] = t
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t.run()

		w.mu.Lock()
		if w.tailers[path] == t {
			delete(w.tailers, path)
		}
		w.mu.Unlock()
	}()
}

func (w *Watcher) stopTailer(path string) {
	w.mu.Lock()
	t, ok := w.tailers[path]
	if ok {
		delete(w.tailers, path)
	}
	w.mu.Unlock()

	if ok {
		t.stop()
	}
}

func (w *Watcher) wakeTailer(path string) {
	w.mu.Lock()
	t, ok := w.tailers[path]
	w.mu.Unlock()

	if ok {
		t.wakeUp()
		return
	}
	// Missed the create notification; treat the write as discovery.
	w.startTailer(path, false)
}
