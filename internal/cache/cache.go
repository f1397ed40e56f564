// Package cache persists embeddings computed from source image files so bulk
// runs only invoke the embedder for files it has not seen.
//
// The cache is derived data. Deleting it loses nothing but time.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/facegate/internal/types"
)

const formatVersion = 1

// Entry is one cached embedding.
type Entry struct {
	Vector types.Embedding `msgpack:"v"`
	Label  string          `msgpack:"l"`
	Source string          `msgpack:"s,omitempty"` // original file path, informational
}

type fileFormat struct {
	Version int              `msgpack:"version"`
	Entries map[string]Entry `msgpack:"entries"`
}

// Cache maps a source key (see utils.GenerateImageKey) to an Entry.
type Cache struct {
	path    string
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
}

// Open loads the cache at path. A missing file or a file written by an
// incompatible version yields an empty cache.
func Open(path string) (*Cache, error) {
	c := &Cache{path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading embedding cache: %w", err)
	}

	var f fileFormat
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding embedding cache %s: %w", path, err)
	}
	if f.Version == formatVersion && f.Entries != nil {
		c.entries = f.Entries
	}
	return c, nil
}

// Get returns the cached entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put stores an entry. It is not written to disk until Save.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	c.dirty = true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Save atomically replaces the cache file if anything changed since the last save.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	data, err := msgpack.Marshal(fileFormat{Version: formatVersion, Entries: c.entries})
	if err != nil {
		return fmt.Errorf("encoding embedding cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("writing embedding cache: %w", err)
	}
	c.dirty = false
	return nil
}

// Clear drops every entry and removes the cache file.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]Entry{}
	c.dirty = false
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing embedding cache: %w", err)
	}
	return nil
}
