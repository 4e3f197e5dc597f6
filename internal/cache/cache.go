// Package cache persists analysis stage outputs keyed by binary digest,
// with an in-memory LRU layer in front of msgpack files on disk.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"dissect/internal/logging"
)

// Stage names used by the analysis driver.
const (
	StageFunctions = "functions"
	StageXrefs     = "xrefs"
	StageSymbols   = "symbols"
	StageStrings   = "strings"
)

// Key returns the cache key for a binary: the hex sha256 of its bytes.
func Key(binary []byte) string {
	sum := sha256.Sum256(binary)
	return hex.EncodeToString(sum[:])
}

// Store is a two-level stage cache. Entries live in an LRU keyed by
// key.stage and are mirrored to <dir>/<key>.<stage>.msgpack so results
// survive across runs.
type Store struct {
	dir string
	mem *lru.Cache[string, []byte]
}

// New creates a Store rooted at dir, creating it if needed. maxEntries
// bounds the in-memory layer only; files on disk are never evicted.
func New(dir string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	mem, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, mem: mem}, nil
}

// Get loads the cached value for key and stage into v. A miss, an
// unreadable file, or a decode failure all report false; a stale or
// corrupt cache entry is never an error, just a miss.
func (s *Store) Get(key, stage string, v any) bool {
	data, ok := s.mem.Get(key + "." + stage)
	if !ok {
		var err error
		data, err = os.ReadFile(s.path(key, stage))
		if err != nil {
			return false
		}
		s.mem.Add(key+"."+stage, data)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		if logging.IsDebug() {
			lg := logging.NewLogger()
			lg.Debug("failed to decode cache", "stage", stage, "error", err)
		}
		return false
	}
	return true
}

// Put stores v for key and stage in both layers.
func (s *Store) Put(key, stage string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	if err := os.WriteFile(s.path(key, stage), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	s.mem.Add(key+"."+stage, data)
	return nil
}

func (s *Store) path(key, stage string) string {
	return filepath.Join(s.dir, key+"."+stage+".msgpack")
}
