package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultWatchDebounce = 250 * time.Millisecond
	logKeyPath           = "path"
)

// FileWatcher reloads a rule file into a Store whenever it changes on disk.
// The parent directory is watched so editors that replace the file atomically
// are handled.
type FileWatcher struct {
	path     string
	store    *Store
	options  []SetOption
	debounce time.Duration
	logger   *zerolog.Logger
}

func NewFileWatcher(path string, store *Store, logger *zerolog.Logger, opts ...SetOption) *FileWatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &FileWatcher{
		path:     filepath.Clean(path),
		store:    store,
		options:  opts,
		debounce: defaultWatchDebounce,
		logger:   logger,
	}
}

// Load parses the file once and publishes it to the store.
func (w *FileWatcher) Load() error {
	set, err := LoadFile(w.path, w.logger, w.options...)
	if err != nil {
		return err
	}

	w.store.Replace(set)

	return nil
}

// Run watches the file until ctx is done. Reload failures are logged and the
// previous snapshot stays active.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rule file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.logger.Info().Str(logKeyPath, w.path).Msg("watching rule file")

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("rule file watcher: %w", ctx.Err())
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

			timerCh = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn().Err(err).Str(logKeyPath, w.path).Msg("rule file watcher error")
		case <-timerCh:
			timerCh = nil

			if err := w.Load(); err != nil {
				w.logger.Error().Err(err).Str(logKeyPath, w.path).Msg("rule file reload failed, keeping previous rule set")
			}
		}
	}
}
