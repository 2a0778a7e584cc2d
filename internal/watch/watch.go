// Package watch triggers ingestion when JSONL files land in the inbox
// directories.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes to the same batch of files.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches directories for writes to files matching a pattern
// (default *.jsonl) and calls Trigger once per quiet period.
type Watcher struct {
	dirs     []string
	pattern  string
	debounce time.Duration
	trigger  func(ctx context.Context) error
	log      *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period after the last event.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithPattern sets the file name pattern that counts as inbox input.
func WithPattern(p string) Option {
	return func(w *Watcher) { w.pattern = p }
}

// New creates a watcher over dirs.
func New(dirs []string, trigger func(ctx context.Context) error, log *slog.Logger, opts ...Option) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		dirs:     dirs,
		pattern:  "*.jsonl",
		debounce: DefaultDebounce,
		trigger:  trigger,
		log:      log.With("component", "watch"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Watch blocks until ctx is done. Missing directories are created.
// Trigger runs on the watch goroutine, so runs never overlap.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	for _, d := range w.dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create inbox %s: %w", d, err)
		}
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}
	w.log.Info("watching inbox", "dirs", w.dirs, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("inbox event", "path", ev.Name, "op", ev.Op.String())
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true

		case <-timer.C:
			pending = false
			if err := w.trigger(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("inbox ingest failed", "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	ok, err := doublestar.Match(w.pattern, filepath.Base(ev.Name))
	return err == nil && ok
}
