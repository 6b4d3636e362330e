package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/datascout/datascout/pkg/logger"
)

// Store holds the loaded catalog. Readers take a snapshot with Entries; a reload
// swaps the snapshot atomically and never mutates one that was handed out.
type Store struct {
	dir    string
	logger logger.Logger

	mu           sync.RWMutex
	entries      []Entry
	lastLoadedAt time.Time
}

type StoreOption func(*Store)

func WithLogger(l logger.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:    dir,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Dir returns the directory the catalog is loaded from.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the catalog directory. On failure the previously loaded entries are kept.
func (s *Store) Load(ctx context.Context) error {
	entries, err := LoadDir(ctx, s.dir)
	if err != nil {
		return fmt.Errorf("loading catalog from %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.entries = entries
	s.lastLoadedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("catalog loaded", zap.String("dir", s.dir), zap.Int("entries", len(entries)))
	return nil
}

// Entries returns the current catalog snapshot. Callers must not modify it.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

// LastLoadedAt is the time of the last successful load, or the zero time.
func (s *Store) LastLoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLoadedAt
}

// Watch reloads the catalog whenever a catalog file in the directory changes. The
// watcher is registered before Watch returns; the returned channel is closed once
// the watch loop has exited after ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating catalog watcher: %w", err)
	}

	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching catalog dir %s: %w", s.dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !IsCatalogFile(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Load(ctx); err != nil {
					s.logger.Warn("catalog reload failed, keeping previous entries", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("catalog watcher error", zap.Error(err))
			}
		}
	}()

	return done, nil
}
