// Package cache provides the NUT-19 request-response cache: replays of a
// previously-seen request body within its advertised TTL return the
// byte-identical prior response instead of being reprocessed (spec.md §6.2).
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const responsesBucket = "responses"

// entry is what gets stored per request-body hash.
type entry struct {
	Response  json.RawMessage `json:"response"`
	CreatedAt int64           `json:"created_at"`
}

// Cache is a bbolt-backed store keyed by the sha256 of a request body.
// One Cache instance is shared across the mint/bolt11, mint/bolt12,
// melt/bolt11, melt/bolt12, and swap endpoints named in spec.md §6.2.
type Cache struct {
	bolt *bolt.DB
	ttl  time.Duration
}

// Open opens (creating if absent) the bbolt file at dbPath/cache.db and
// ensures its bucket exists.
func Open(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := bolt.Open(filepath.Join(dbPath, "cache.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error setting up request cache: %v", err)
	}

	c := &Cache{bolt: db, ttl: ttl}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(responsesBucket))
		return err
	}); err != nil {
		return nil, fmt.Errorf("error setting up request cache: %v", err)
	}
	return c, nil
}

// Key hashes a request body to the lookup key used by Get/Put.
func Key(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%x", sum)
}

// Get returns the cached response for key if present and still within TTL.
// A present-but-expired entry is treated as a miss; it is left for the next
// Put to overwrite rather than deleted eagerly, since a View transaction
// can't mutate the bucket.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	var found *entry

	c.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(responsesBucket))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil
		}
		found = &e
		return nil
	})

	if found == nil {
		return nil, false
	}
	if time.Since(time.Unix(found.CreatedAt, 0)) > c.ttl {
		return nil, false
	}
	return found.Response, true
}

// Put stores response under key, stamped with the current time so a later
// Get can enforce the TTL.
func (c *Cache) Put(key string, response json.RawMessage, now time.Time) error {
	e := entry{Response: response, CreatedAt: now.Unix()}
	jsonEntry, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("invalid cache entry: %v", err)
	}

	return c.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(responsesBucket))
		return b.Put([]byte(key), jsonEntry)
	})
}

// TTL returns the configured cache TTL (spec.md §6.2). /v1/info does not
// read it: the NUT-19 ttl advertised there is a fixed value set in
// mint.refreshMintInfo.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Close() error {
	return c.bolt.Close()
}
