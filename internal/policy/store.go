package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store is the settings store. It holds the current policy snapshot and
// swaps it atomically on update, so a request that already loaded a
// snapshot is unaffected by later changes.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a Store seeded with initial.
func NewStore(initial Config) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	snapshot := initial.Clone()
	s.current.Store(&snapshot)
	return s, nil
}

// LoadPolicy returns a private copy of the current policy.
func (s *Store) LoadPolicy(_ context.Context) (Config, error) {
	return s.current.Load().Clone(), nil
}

// Update validates cfg and makes it the current policy.
func (s *Store) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	snapshot := cfg.Clone()
	s.current.Store(&snapshot)
	return nil
}

// LoadFile reads a YAML policy document. Fields absent from the document
// keep their default values; category maps are merged over the defaults.
func LoadFile(path string) (Config, error) {
	return load(file.Provider(path))
}

func load(provider *file.File) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(provider, yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("reading policy file: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding policy file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WatchFile loads path into the store and reloads it whenever the file
// changes, until ctx is done. An invalid document is logged and the
// previous policy stays in effect.
func (s *Store) WatchFile(ctx context.Context, path string) error {
	provider := file.Provider(path)
	cfg, err := load(provider)
	if err != nil {
		return err
	}
	if err := s.Update(cfg); err != nil {
		return err
	}

	err = provider.Watch(func(_ any, watchErr error) {
		if watchErr != nil {
			slog.Warn("policy watch error", "path", path, "error", watchErr)
			return
		}
		next, err := load(provider)
		if err != nil {
			slog.Warn("policy reload rejected, keeping previous policy", "path", path, "error", err)
			return
		}
		if err := s.Update(next); err != nil {
			slog.Warn("policy reload rejected, keeping previous policy", "path", path, "error", err)
			return
		}
		slog.Info("policy reloaded", "path", path, "custom_rules", len(next.CustomRules))
	})
	if err != nil {
		return fmt.Errorf("watching policy file: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = provider.Unwatch()
	}()
	return nil
}
