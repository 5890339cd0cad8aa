package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ProfileStore holds the loaded profile set behind an atomic pointer,
// mirroring the schema registry: readers take no locks, Reload swaps in
// a complete new set or keeps the old one on failure.
type ProfileStore struct {
	dir     string
	current atomic.Pointer[[]*Profile]
}

// NewProfileStore loads the profiles from dir. An empty dir yields a
// store that always returns nil, disabling profile-based widening.
func NewProfileStore(ctx context.Context, dir string) (*ProfileStore, error) {
	s := &ProfileStore{dir: dir}
	if dir == "" {
		empty := []*Profile(nil)
		s.current.Store(&empty)
		return s, nil
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active profile set.
func (s *ProfileStore) Current() []*Profile {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Reload re-reads every *.json profile document from the directory. On
// failure the previous set stays active.
func (s *ProfileStore) Reload(_ context.Context) error {
	if s.dir == "" {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("profile reload: %w", err)
	}

	docs := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("profile reload: %w", err)
		}
		docs = append(docs, data)
	}

	profiles, err := ParseProfiles(docs)
	if err != nil {
		return fmt.Errorf("profile reload: %w", err)
	}
	s.current.Store(&profiles)
	slog.Info("profiles loaded", "count", len(profiles), "dir", s.dir)
	return nil
}
