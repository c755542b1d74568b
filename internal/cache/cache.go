// Package cache is a small persistent key/value cache with expiry, backed by BoltDB. The client uses it for
// the model catalog and the recently used models.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Cache stores JSON-encoded values under string keys. Expired entries are reported as misses and
// removed lazily.
type Cache struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time

	closeOnce sync.Once
	closed    atomic.Bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats holds hit and miss counters since Open.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Option configures a Cache.
type Option func(*Cache)

type entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NoExpiry passed to SetFor keeps an entry until it is overwritten or deleted.
const NoExpiry time.Duration = 0

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache is closed")

	bucketName = []byte("cache")
)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Open opens or creates the cache file at path. Entries written with Set expire after ttl.
func Open(path string, ttl time.Duration, opts ...Option) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	c := &Cache{db: db, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get decodes the value stored under key into v. It reports false for a missing or expired entry.
func (c *Cache) Get(key string, v any) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	var (
		e       entry
		found   bool
		expired bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed to unmarshal cache entry %q: %w", key, err)
		}
		found = true
		expired = !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt)
		return nil
	})
	if err != nil {
		return false, err
	}

	if !found || expired {
		c.misses.Add(1)
		if expired {
			if err := c.Delete(key); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if err := json.Unmarshal(e.Value, v); err != nil {
		return false, fmt.Errorf("failed to decode cached value %q: %w", key, err)
	}
	c.hits.Add(1)
	return true, nil
}

// Set stores v under key with the cache's default expiry.
func (c *Cache) Set(key string, v any) error {
	return c.SetFor(key, v, c.ttl)
}

// SetFor stores v under key, expiring after ttl. NoExpiry keeps it indefinitely.
func (c *Cache) SetFor(key string, v any, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}

	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value %q: %w", key, err)
	}
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = c.now().Add(ttl)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %q: %w", key, err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), raw)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close releases the database file. It is safe to call more than once.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.db.Close()
	})
	return err
}
