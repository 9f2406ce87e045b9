package hosttool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher drops cached toolkit probes when the toolkit on disk changes,
// typically after the user rebuilds the host artifacts.
type Watcher struct {
	introspector *Introspector
	watcher      *fsnotify.Watcher
	logger       *log.Logger

	mu       sync.Mutex
	watched  map[string]string // bin dir -> artifacts path
	debounce map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a toolkit watcher feeding cache invalidations to
// the given introspector.
func NewWatcher(introspector *Introspector, logger *log.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[hosttool] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Watcher{
		introspector: introspector,
		watcher:      fsWatcher,
		logger:       logger,
		watched:      make(map[string]string),
		debounce:     make(map[string]*time.Timer),
	}, nil
}

// Start begins processing file system events.
func (w *Watcher) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}

// Watch registers a host-artifacts directory. Changes under its bin/
// directory invalidate the cached probes for that toolkit. Watching
// the same directory twice is a no-op.
func (w *Watcher) Watch(artifactsPath string) error {
	binDir := filepath.Join(artifactsPath, "bin")

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[binDir]; ok {
		return nil
	}
	if err := w.watcher.Add(binDir); err != nil {
		return fmt.Errorf("watch %s: %w", binDir, err)
	}
	w.watched[binDir] = artifactsPath
	w.logger.Printf("watching toolkit %s for changes", binDir)
	return nil
}

func (w *Watcher) watchLoop() {
	// Builds touch many files in a burst. The debounce collapses the
	// burst into one invalidation.
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dir := filepath.Dir(event.Name)

			w.mu.Lock()
			artifactsPath, ok := w.watched[dir]
			if !ok {
				w.mu.Unlock()
				continue
			}
			if timer, ok := w.debounce[artifactsPath]; ok {
				timer.Stop()
			}
			w.debounce[artifactsPath] = time.AfterFunc(debounceDuration, func() {
				w.logger.Printf("toolkit %s changed, dropping cached probes", artifactsPath)
				w.introspector.Invalidate(artifactsPath)
			})
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}
