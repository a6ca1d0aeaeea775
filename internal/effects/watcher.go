package effects

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher invalidates cached clips when their assets change on disk, so a
// replaced sound takes effect on its next play without a restart.
type Watcher struct {
	fsw    *fsnotify.Watcher
	cache  *Cache
	logger zerolog.Logger
	done   chan struct{}
}

// NewWatcher starts watching dir for asset changes.
func NewWatcher(dir string, cache *Cache, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create asset watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		fsw:    fsw,
		cache:  cache,
		logger: logger.With().Str("component", "effects-watcher").Logger(),
		done:   make(chan struct{}),
	}
	go w.loop()

	w.logger.Debug().Str("dir", dir).Msg("Watching effect assets")
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Ext(event.Name) != ".wav" {
				continue
			}
			name := EffectName(filepath.Base(event.Name))
			w.cache.Invalidate(name)
			w.logger.Debug().
				Str("effect", name).
				Str("op", event.Op.String()).
				Msg("Asset changed, clip invalidated")

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Asset watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
