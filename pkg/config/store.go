package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/reconcile"
)

const reloadDelay = 250 * time.Millisecond

// Store holds the current configuration. Readers take immutable snapshots,
// so a reload never changes the settings of a pass already running.
type Store struct {
	path    string
	parser  *Parser
	logger  zerolog.Logger
	current atomic.Pointer[Config]

	// serializes reloads
	mu sync.Mutex
}

// NewStore creates a store holding cfg. The store has no file, so Reload
// and Watch are unavailable.
func NewStore(cfg *Config, logger zerolog.Logger) *Store {
	s := &Store{
		parser: sharedParser(),
		logger: logger.With().Str("component", "config").Logger(),
	}
	s.current.Store(cfg.Clone())
	return s
}

// OpenStore loads path into a new store.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	parser := NewParser()
	cfg, err := parser.Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   path,
		parser: parser,
		logger: logger.With().Str("component", "config").Str("path", path).Logger(),
	}
	s.current.Store(cfg)
	return s, nil
}

// Path returns the backing file, or "" for a store without one.
func (s *Store) Path() string { return s.path }

// Snapshot returns a private copy of the current configuration.
func (s *Store) Snapshot() *Config {
	return s.current.Load().Clone()
}

// Settings returns the pass settings of the current configuration. It has
// the shape of reconcile.SettingsFunc.
func (s *Store) Settings() reconcile.Settings {
	return s.current.Load().Settings()
}

// Replace validates cfg and makes it current.
func (s *Store) Replace(cfg *Config) error {
	if err := s.parser.Validate(cfg); err != nil {
		return err
	}
	s.current.Store(cfg.Clone())
	return nil
}

// Reload re-reads the backing file. On error the current configuration is
// kept.
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return nil, fmt.Errorf("config store has no backing file")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.parser.Load(s.path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	s.logger.Info().Msg("Configuration reloaded")
	return cfg.Clone(), nil
}

// Watch reloads the configuration when its file changes and calls onChange
// with each successfully loaded version. Invalid versions are logged and
// ignored. Watching stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(*Config)) error {
	if s.path == "" {
		return fmt.Errorf("config store has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so the directory is watched.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go s.processEvents(ctx, watcher, onChange)
	s.logger.Info().Msg("Watching configuration")
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*Config)) {
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(s.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := s.Reload()
			if err != nil {
				s.logger.Error().Err(err).Msg("Configuration reload failed, keeping current version")
				continue
			}
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Configuration watcher error")
		}
	}
}
