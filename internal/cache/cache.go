// Package cache provides keyed byte stores for computed mosaic layouts.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	BackendBigCache = "bigcache"
	BackendLRU      = "lru"
)

// noExpiry stands in for "keep until evicted by size" since bigcache always
// applies a life window.
const noExpiry = 100 * 365 * 24 * time.Hour

// Config contains cache configuration.
type Config struct {
	Backend string
	SizeMB  int
	Entries int
	TTL     time.Duration // zero keeps entries until the size limit evicts them
}

// Store is a process-wide keyed store. A single Set is atomic; concurrent
// writers of the same key race and the last write wins.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte) error
	Delete(key string)
	Len() int
	Close() error
}

// New creates the store selected by cfg.Backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendBigCache:
		return NewBigStore(cfg)
	case BackendLRU:
		return NewLRUStore(cfg.Entries)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// BigStore keeps entries in a sharded, size-bounded bigcache.
type BigStore struct {
	cache *bigcache.BigCache
}

// NewBigStore creates a bigcache-backed store.
func NewBigStore(cfg Config) (*BigStore, error) {
	life := cfg.TTL
	clean := cfg.TTL / 2
	if life <= 0 {
		life = noExpiry
		clean = 0
	}

	c, err := bigcache.New(context.Background(), bigcache.Config{
		Shards:             1024,
		LifeWindow:         life,
		CleanWindow:        clean,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mosaic cache: %w", err)
	}
	return &BigStore{cache: c}, nil
}

// Get retrieves an entry.
func (s *BigStore) Get(key string) ([]byte, bool) {
	data, err := s.cache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores an entry.
func (s *BigStore) Set(key string, data []byte) error {
	return s.cache.Set(key, data)
}

// Delete removes an entry if present.
func (s *BigStore) Delete(key string) {
	_ = s.cache.Delete(key)
}

// Len returns the number of stored entries.
func (s *BigStore) Len() int {
	return s.cache.Len()
}

// Close releases the cache.
func (s *BigStore) Close() error {
	return s.cache.Close()
}

// LRUStore keeps a fixed number of entries, evicting the least recently used.
type LRUStore struct {
	cache *lru.Cache[string, []byte]
}

// NewLRUStore creates an LRU-backed store holding up to entries values.
func NewLRUStore(entries int) (*LRUStore, error) {
	if entries <= 0 {
		entries = 1000
	}
	c, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create mosaic cache: %w", err)
	}
	return &LRUStore{cache: c}, nil
}

func (s *LRUStore) Get(key string) ([]byte, bool) { return s.cache.Get(key) }

func (s *LRUStore) Set(key string, data []byte) error {
	s.cache.Add(key, data)
	return nil
}

func (s *LRUStore) Delete(key string) { s.cache.Remove(key) }

func (s *LRUStore) Len() int { return s.cache.Len() }

func (s *LRUStore) Close() error {
	s.cache.Purge()
	return nil
}

// MosaicKey generates a cache key for a mosaic layout.
func MosaicKey(binID string, height, width int, scale float64) string {
	return fmt.Sprintf("mosaic:%s:%dx%d:%s", binID, height, width, strconv.FormatFloat(scale, 'f', -1, 64))
}

// Stats returns cache statistics.
func Stats(s Store) map[string]interface{} {
	stats := map[string]interface{}{
		"entries": s.Len(),
	}
	if b, ok := s.(*BigStore); ok {
		st := b.cache.Stats()
		stats["capacity"] = b.cache.Capacity()
		stats["hits"] = st.Hits
		stats["misses"] = st.Misses
	}
	return stats
}
