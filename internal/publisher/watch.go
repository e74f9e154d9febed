package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay is how long a watched file must stay quiet before it
// is republished.
const DefaultSettleDelay = 200 * time.Millisecond

// Watcher republishes a file's content whenever it changes on disk.
// Fetches in progress across a reload may see segments of both versions.
type Watcher struct {
	watcher   *fsnotify.Watcher
	publisher *Publisher
	logger    *slog.Logger
	path      string
	settle    time.Duration

	// Reloads receives the version count after each successful reload.
	Reloads chan int
}

// NewWatcher creates a Watcher for path. The parent directory is watched so
// that editors replacing the file by rename are noticed.
func NewWatcher(p *Publisher, logger *slog.Logger, path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		watcher:   w,
		publisher: p,
		logger:    logger.With("component", "watcher", "path", abs),
		path:      abs,
		settle:    DefaultSettleDelay,
		Reloads:   make(chan int, 1),
	}, nil
}

// Run starts the watcher event loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	reloads := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				timer.Reset(w.settle)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "watcher error", "error", err)
		case <-timer.C:
			if err := w.reload(); err != nil {
				w.logger.WarnContext(ctx, "reload failed", "error", err)
				continue
			}
			reloads++
			select {
			case w.Reloads <- reloads:
			default:
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0
}

func (w *Watcher) reload() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return w.publisher.Load(f)
}
