package schema

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"
)

// Loader fetches the raw dataset documents from a schema source
// (directory, HTTP endpoint or object-store bucket).
type Loader interface {
	Load(ctx context.Context) ([][]byte, error)
}

// Snapshot is one immutable, fully indexed catalog of datasets. Requests
// capture a snapshot at entry and keep using it even if a reload publishes
// a newer one mid-stream.
type Snapshot struct {
	LoadedAt    time.Time
	Fingerprint string

	datasets map[string]*Dataset
	byPath   map[string]*Dataset
}

// Dataset returns the dataset with the given id, or nil.
func (s *Snapshot) Dataset(id string) *Dataset { return s.datasets[id] }

// DatasetByPath returns the dataset served under the given URL segment, or nil.
func (s *Snapshot) DatasetByPath(path string) *Dataset { return s.byPath[path] }

// Datasets returns all datasets sorted by id.
func (s *Snapshot) Datasets() []*Dataset {
	out := make([]*Dataset, 0, len(s.datasets))
	for _, id := range sortedKeys(s.datasets) {
		out = append(out, s.datasets[id])
	}
	return out
}

// Table returns a table by dataset and table id, or nil.
func (s *Snapshot) Table(datasetID, tableID string) *Table {
	d := s.datasets[datasetID]
	if d == nil {
		return nil
	}
	return d.Table(tableID)
}

// Registry holds the current schema snapshot behind an atomic pointer.
// The read path takes no locks; Reload builds a complete new snapshot and
// publishes it in one store.
type Registry struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a Registry and performs the initial load. Startup
// fails if the schema source is unreachable.
func NewRegistry(ctx context.Context, loader Loader) (*Registry, error) {
	r := &Registry{loader: loader}
	snap, err := r.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial schema load: %w", err)
	}
	r.current.Store(snap)
	return r, nil
}

// Current returns the active snapshot. Never nil after NewRegistry.
func (r *Registry) Current() *Snapshot { return r.current.Load() }

// Reload fetches and publishes a fresh snapshot. On failure the previous
// snapshot stays active and the error is returned for logging.
func (r *Registry) Reload(ctx context.Context) error {
	snap, err := r.load(ctx)
	if err != nil {
		return fmt.Errorf("schema reload: %w", err)
	}
	old := r.current.Swap(snap)
	if old != nil && old.Fingerprint == snap.Fingerprint {
		slog.Debug("schema reload: catalog unchanged", "fingerprint", snap.Fingerprint)
		return nil
	}
	slog.Info("schema reload: new catalog published",
		"datasets", len(snap.datasets), "fingerprint", snap.Fingerprint)
	return nil
}

func (r *Registry) load(ctx context.Context) (*Snapshot, error) {
	docs, err := r.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	return BuildSnapshot(docs)
}

// BuildSnapshot parses and indexes a set of dataset documents.
func BuildSnapshot(docs [][]byte) (*Snapshot, error) {
	snap := &Snapshot{
		LoadedAt: time.Now(),
		datasets: make(map[string]*Dataset, len(docs)),
		byPath:   make(map[string]*Dataset, len(docs)),
	}

	hash := sha256.New()
	for _, doc := range docs {
		d, err := ParseDataset(doc)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.datasets[d.ID]; dup {
			return nil, fmt.Errorf("duplicate dataset id %q", d.ID)
		}
		if _, dup := snap.byPath[d.Path]; dup {
			return nil, fmt.Errorf("duplicate dataset path %q", d.Path)
		}
		snap.datasets[d.ID] = d
		snap.byPath[d.Path] = d
		hash.Write(doc)
	}
	snap.Fingerprint = hex.EncodeToString(hash.Sum(nil))[:16]
	return snap, nil
}

// sortedKeys returns the map's keys in sorted order, for deterministic
// iteration over parsed JSON objects.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
