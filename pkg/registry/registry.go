package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"gopkg.in/yaml.v2"
)

// Store is a process-wide, type-specific cache of YAML descriptors under
// one directory, keyed by name: load/must-load/all read through a cache
// that's populated once per name and never invalidated except by an
// explicit Context scope.
type Store[T any] struct {
	Dir string
	Ext string

	mu    sync.RWMutex
	cache map[string]*T
}

// NewStore creates a descriptor store rooted at dir, where each document
// is named "<name><ext>" (e.g. ".repo.yaml").
func NewStore[T any](dir, ext string) *Store[T] {
	return &Store[T]{Dir: dir, Ext: ext, cache: make(map[string]*T)}
}

func (s *Store[T]) path(name string) string {
	return filepath.Join(s.Dir, name+s.Ext)
}

// Load reads and caches the descriptor named name, returning (nil, nil)
// if no such document exists.
func (s *Store[T]) Load(name string) (*T, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, annexerr.New(annexerr.Fatal, "reading descriptor").
			WithComponent("registry").WithDetail("name", name).WithCause(err)
	}
	var v T
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "parsing descriptor").
			WithComponent("registry").WithDetail("name", name).WithCause(err)
	}

	s.mu.Lock()
	s.cache[name] = &v
	s.mu.Unlock()
	return &v, nil
}

// MustLoad is Load but treats a missing descriptor as fatal.
func (s *Store[T]) MustLoad(name string) (*T, error) {
	v, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, annexerr.New(annexerr.NotFound, "descriptor not found").
			WithComponent("registry").WithDetail("name", name)
	}
	return v, nil
}

// All loads every descriptor in the directory, sorted by name.
func (s *Store[T]) All() ([]*T, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, annexerr.New(annexerr.Fatal, "listing descriptor directory").
			WithComponent("registry").WithCause(err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), s.Ext))
	}
	sort.Strings(names)

	out := make([]*T, 0, len(names))
	for _, name := range names {
		v, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Save writes v as the canonical descriptor for name and updates the
// cache, matching Loadable.save()'s write-then-cache behavior.
func (s *Store[T]) Save(name string, v *T) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "encoding descriptor").
			WithComponent("registry").WithDetail("name", name).WithCause(err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return annexerr.New(annexerr.Fatal, "creating descriptor directory").WithCause(err)
	}
	if err := os.WriteFile(s.path(name), data, 0o644); err != nil {
		return annexerr.New(annexerr.Fatal, "writing descriptor").
			WithComponent("registry").WithDetail("name", name).WithCause(err)
	}

	s.mu.Lock()
	s.cache[name] = v
	s.mu.Unlock()
	return nil
}

// Context snapshots the cache and returns a function that restores it,
// so a test can freely Load/Save within the scope without leaking state
// into the next test: an explicit, passed-around primitive rather than
// a process-wide singleton a caller can't reason about.
func (s *Store[T]) Context() func() {
	s.mu.Lock()
	snapshot := make(map[string]*T, len(s.cache))
	for k, v := range s.cache {
		snapshot[k] = v
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.cache = snapshot
		s.mu.Unlock()
	}
}

// Registry bundles the descriptor stores a repository/dataset operation
// needs: repositories and dataset schemas, both rooted under one
// configuration directory.
type Registry struct {
	Repositories *Store[Repository]
	Datasets     *Store[DatasetSchema]
}

// New creates a Registry rooted at dir, with "<dir>/repos" and
// "<dir>/datasets" as the two descriptor directories.
func New(dir string) *Registry {
	return &Registry{
		Repositories: NewStore[Repository](filepath.Join(dir, "repos"), ".repo.yaml"),
		Datasets:     NewStore[DatasetSchema](filepath.Join(dir, "datasets"), ".dataset.yaml"),
	}
}

// Context snapshots both stores' caches and returns a combined restore
// function, for test isolation spanning both repo and dataset lookups.
func (r *Registry) Context() func() {
	restoreRepos := r.Repositories.Context()
	restoreDatasets := r.Datasets.Context()
	return func() {
		restoreRepos()
		restoreDatasets()
	}
}
