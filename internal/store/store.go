package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/renameio"

	"github.com/andresmejia3/facegate/internal/types"
)

// ErrDimensionMismatch is returned when an embedding's length differs from the
// vectors already stored.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrUnknownIdentity is returned when an operation names an identity that is not stored.
var ErrUnknownIdentity = errors.New("unknown identity")

const fileVersion = 1

// fileFormat is the on-disk layout of the identity file.
type fileFormat struct {
	Version    int                          `json:"version"`
	Dim        int                          `json:"dim"`
	Identities map[string][]types.Embedding `json:"identities"`
}

// Snapshot is an immutable view of the store. Readers hold on to it for the
// duration of one match; writers never modify a published snapshot.
type Snapshot struct {
	// Generation increases by one on every successful write.
	Generation uint64
	Dim        int
	identities map[string][]types.Embedding
	names      []string
}

// Names returns identity names in lexicographic order.
func (s *Snapshot) Names() []string {
	return slices.Clone(s.names)
}

// Len returns the number of identities.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// References returns the stored vectors for a name.
func (s *Snapshot) References(name string) []types.Embedding {
	return s.identities[name]
}

// Each calls fn for every identity in lexicographic order.
func (s *Snapshot) Each(fn func(name string, refs []types.Embedding)) {
	for _, name := range s.names {
		fn(name, s.identities[name])
	}
}

func newSnapshot(gen uint64, dim int, ids map[string][]types.Embedding) *Snapshot {
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	slices.Sort(names)
	return &Snapshot{Generation: gen, Dim: dim, identities: ids, names: names}
}

// Store is a flat-file mapping from identity name to reference embeddings.
// Reads are lock free. Writes are serialized and only become visible after
// the file has been replaced on disk.
//
// Several processes may share one file (a running server and the maintenance
// commands). Every write holds an exclusive lock on <path>.lock and starts
// from the file's current contents, so no process overwrites another's
// changes. A process only sees foreign changes on its next write or Load.
type Store struct {
	path    string
	mu      sync.Mutex // serializes writers within the process
	current atomic.Pointer[Snapshot]
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// Load re-reads the backing file, replacing the in-memory state.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, dim, err := s.read()
	if err != nil {
		return err
	}
	s.current.Store(newSnapshot(s.nextGeneration(), dim, ids))
	return nil
}

func (s *Store) nextGeneration() uint64 {
	if cur := s.current.Load(); cur != nil {
		return cur.Generation + 1
	}
	return 0
}

// read parses the backing file. A missing file is an empty store.
func (s *Store) read() (map[string][]types.Embedding, int, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]types.Embedding{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading identity store: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, 0, fmt.Errorf("parsing identity store %s: %w", s.path, err)
	}
	if f.Identities == nil {
		f.Identities = map[string][]types.Embedding{}
	}
	dim, err := checkDims(f.Identities)
	if err != nil {
		return nil, 0, fmt.Errorf("identity store %s: %w", s.path, err)
	}
	return f.Identities, dim, nil
}

func checkDims(ids map[string][]types.Embedding) (int, error) {
	dim := 0
	for name, refs := range ids {
		if len(refs) == 0 {
			return 0, fmt.Errorf("identity %q has no embeddings", name)
		}
		for _, v := range refs {
			if dim == 0 {
				dim = len(v)
			}
			if len(v) != dim || dim == 0 {
				return 0, fmt.Errorf("identity %q: %w", name, ErrDimensionMismatch)
			}
		}
	}
	return dim, nil
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Count returns the number of registered identities.
func (s *Store) Count() int {
	return s.Snapshot().Len()
}

// Names returns registered identity names in lexicographic order.
func (s *Store) Names() []string {
	return s.Snapshot().Names()
}

// Register adds emb under name. With replace the identity's existing
// references are discarded, otherwise emb is appended to them. It returns the
// normalized name and the number of references now stored for it.
func (s *Store) Register(name string, emb types.Embedding, replace bool) (string, int, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return "", 0, err
	}
	if len(emb) == 0 {
		return "", 0, fmt.Errorf("empty embedding: %w", ErrDimensionMismatch)
	}

	var refs int
	err = s.update(func(ids map[string][]types.Embedding, dim int) error {
		if dim != 0 && len(emb) != dim {
			return fmt.Errorf("%w: got %d, store holds %d", ErrDimensionMismatch, len(emb), dim)
		}
		vec := slices.Clone(emb)
		if replace {
			ids[name] = []types.Embedding{vec}
		} else {
			ids[name] = append(slices.Clone(ids[name]), vec)
		}
		refs = len(ids[name])
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return name, refs, nil
}

// Rename moves all references of oldName to newName. Renaming onto an
// existing identity merges the two.
func (s *Store) Rename(oldName, newName string) error {
	newName, err := NormalizeName(newName)
	if err != nil {
		return err
	}
	return s.update(func(ids map[string][]types.Embedding, _ int) error {
		refs, ok := ids[oldName]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownIdentity, oldName)
		}
		delete(ids, oldName)
		ids[newName] = append(slices.Clone(ids[newName]), refs...)
		return nil
	})
}

// Remove deletes an identity.
func (s *Store) Remove(name string) error {
	return s.update(func(ids map[string][]types.Embedding, _ int) error {
		if _, ok := ids[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownIdentity, name)
		}
		delete(ids, name)
		return nil
	})
}

// Reset clears every identity and persists the empty store.
func (s *Store) Reset() error {
	return s.update(func(ids map[string][]types.Embedding, _ int) error {
		clear(ids)
		return nil
	})
}

// update applies fn to a fresh copy of the on-disk identities, persists the
// copy and only then publishes it. A failed write leaves memory untouched.
func (s *Store) update(fn func(ids map[string][]types.Embedding, dim int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureDir(s.path); err != nil {
		return err
	}
	unlock, err := lockFile(s.lockPath())
	if err != nil {
		return fmt.Errorf("locking identity store: %w", err)
	}
	defer unlock()

	// Another process may have written since we last looked.
	next, dim, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(next, dim); err != nil {
		return err
	}

	dim, err = checkDims(next)
	if err != nil {
		return err
	}
	if err := s.persist(next, dim); err != nil {
		return err
	}
	s.current.Store(newSnapshot(s.nextGeneration(), dim, next))
	return nil
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	return nil
}

func (s *Store) persist(ids map[string][]types.Embedding, dim int) error {
	data, err := json.Marshal(fileFormat{Version: fileVersion, Dim: dim, Identities: ids})
	if err != nil {
		return fmt.Errorf("encoding identity store: %w", err)
	}
	// renameio writes a temp file in the same directory and renames it over
	// the target, so readers see either the old or the new file.
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing identity store: %w", err)
	}
	return nil
}
