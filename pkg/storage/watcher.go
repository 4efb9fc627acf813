package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/redinklabs/redink-core/pkg/domain"
)

// DocumentWatcher watches one runtime-tier provider file and publishes a
// fresh document snapshot whenever the file changes on disk. Read-only
// consumers (status displays, gauges) subscribe instead of re-reading the
// file on every request.
type DocumentWatcher struct {
	path        string
	logger      zerolog.Logger
	mu          sync.RWMutex
	current     *domain.ProviderDocument
	subscribers []chan *domain.ProviderDocument
	closed      bool
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewDocumentWatcher creates a watcher for the runtime-tier file of the
// given config type.
func (s *TieredStore) NewDocumentWatcher(configType string, logger zerolog.Logger) (*DocumentWatcher, error) {
	absPath, err := filepath.Abs(s.RuntimePath(configType))
	if err != nil {
		return nil, fmt.Errorf("resolve runtime path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &DocumentWatcher{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
	}

	// Initial load; a missing file just means nothing is configured yet.
	if err := w.load(); err != nil {
		w.logger.Warn().Err(err).Str("path", absPath).Msg("initial document load failed")
	}

	// The file is replaced by rename on every save, so watch its directory.
	if err := os.MkdirAll(filepath.Dir(absPath), dirMode); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("create watch directory: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	go w.watchLoop(ctx)

	return w, nil
}

// Current returns the most recently observed document, or nil when the
// file has never been readable.
func (w *DocumentWatcher) Current() *domain.ProviderDocument {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel receiving document snapshots. The current
// state is delivered immediately when one exists, and the channel is
// closed when the watcher shuts down, ending subscriber range loops.
func (w *DocumentWatcher) Subscribe() <-chan *domain.ProviderDocument {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *domain.ProviderDocument, 1)
	if w.closed {
		close(ch)
		return ch
	}
	w.subscribers = append(w.subscribers, ch)
	if w.current != nil {
		ch <- w.current
	}
	return ch
}

// Close stops the watcher and releases its resources.
func (w *DocumentWatcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *DocumentWatcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.closeSubscribers()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.closeSubscribers()
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := w.load(); err != nil {
						w.logger.Error().Err(err).Str("path", w.path).Msg("document reload failed")
					} else {
						w.logger.Debug().Str("path", w.path).Msg("document reloaded")
					}
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.closeSubscribers()
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// closeSubscribers closes every subscriber channel exactly once. Called on
// every watch-loop exit path.
func (w *DocumentWatcher) closeSubscribers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = nil
}

func (w *DocumentWatcher) load() error {
	//nolint:gosec // Path is derived from the configured storage root
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	doc := &domain.ProviderDocument{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("parse %s: %w", w.path, err)
	}
	if doc.Providers == nil {
		doc.Providers = map[string]*domain.ProviderEntry{}
	}

	w.mu.Lock()
	w.current = doc
	subscribers := make([]chan *domain.ProviderDocument, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- doc:
		default:
			// Skip slow consumers; they will pick up the next snapshot.
		}
	}

	return nil
}
