package feeders

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher observes configuration files and invokes a callback when one
// changes, debouncing the editor write/rename bursts that usually accompany
// a save. Typical use is re-running Application.LoadConfig from the
// callback.
type Watcher struct {
	paths    []string
	onChange func(path string)
	onError  func(err error)
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the change debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler receives watch errors; default drops them.
func WithErrorHandler(fn func(err error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher builds a watcher over the given files. The callback runs on
// the watcher goroutine; keep it short or hand off.
func NewWatcher(paths []string, onChange func(path string), opts ...WatcherOption) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, ErrWatcherNoPaths
	}
	w := &Watcher{
		paths:    paths,
		onChange: onChange,
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	if w.watcher != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	// Watch parent directories: editors replace files on save, which drops
	// a direct file watch.
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watching %q: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	watched := make(map[string]struct{}, len(w.paths))
	for _, p := range w.paths {
		watched[filepath.Clean(p)] = struct{}{}
	}

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := watched[filepath.Clean(event.Name)]; !ok {
				continue
			}
			pending = filepath.Clean(event.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			if w.onChange != nil {
				w.onChange(pending)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Stop ends watching and waits for the watch goroutine to exit. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
