package invoices

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"tenderhub/pkg/logger"
)

// Watch calls fn once after each burst of changes to supported invoice
// files. A burst ends when no further change arrives within debounce. fn
// runs on the watcher goroutine, so bursts never overlap. Watch blocks until
// ctx is done.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, fn func(ctx context.Context)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	log := logger.Named("invoices").With(zap.String("dir", s.dir))
	log.Info("watching invoices", zap.Duration("debounce", debounce))

	// fire is nil while no burst is pending.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			log.Debug("invoice changed", zap.String("file", filepath.Base(ev.Name)), zap.Stringer("op", ev.Op))
			fire = time.After(debounce)

		case <-fire:
			fire = nil
			fn(ctx)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return Supported(ev.Name)
}
