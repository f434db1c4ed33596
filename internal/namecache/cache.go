// Package namecache persists namespaced tag name to ID lookups in bbolt so
// repeated commands skip the lookup round trip.
package namecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Kinds of cached names. Each kind is its own bucket.
const (
	KindTagKey   = "tag_keys"
	KindTagValue = "tag_values"
)

var (
	bucketMeta   = []byte("meta")
	keyLastPrune = []byte("last_prune")

	ErrUnknownKind = errors.New("unknown cache kind")
)

type entry struct {
	Value    string    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache maps namespaced names to resource IDs with a time-to-live.
type Cache struct {
	mu  sync.Mutex
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens or creates the cache file at path. ttl <= 0 means entries never
// expire.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open name cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{KindTagKey, KindTagValue, string(bucketMeta)} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init name cache: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached value for key. Expired entries are misses.
func (c *Cache) Get(kind, key string) (string, bool, error) {
	var e entry
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode cache entry %s: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return "", false, err
	}
	if c.expired(e) {
		return "", false, nil
	}
	return e.Value, true, nil
}

// Put stores value for key.
func (c *Cache) Put(kind, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(entry{Value: value, StoredAt: c.now().UTC()})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		return b.Put([]byte(key), raw)
	})
}

// Prune deletes expired entries and returns how many were removed. It scans
// at most once per ttl; earlier calls return 0.
func (c *Cache) Prune() (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		if last, ok := lastPrune(tx); ok && c.now().Sub(last) < c.ttl {
			return nil
		}
		for _, kind := range []string{KindTagKey, KindTagValue} {
			b := tx.Bucket([]byte(kind))
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var e entry
				if json.Unmarshal(v, &e) != nil || c.expired(e) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return tx.Bucket(bucketMeta).Put(keyLastPrune, []byte(c.now().UTC().Format(time.RFC3339Nano)))
	})
	return removed, err
}

func lastPrune(tx *bbolt.Tx) (time.Time, bool) {
	raw := tx.Bucket(bucketMeta).Get(keyLastPrune)
	if raw == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *Cache) expired(e entry) bool {
	return c.ttl > 0 && c.now().Sub(e.StoredAt) > c.ttl
}
