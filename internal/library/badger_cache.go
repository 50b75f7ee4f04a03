package library

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerCache backs the URLCacheEntry TTL cache (spec.md §3) with an embedded
// badger.DB: badger's own per-key TTL and background GC give it a direct fit
// for proactive-refresh-then-hard-expire semantics without us hand-rolling an
// eviction sweep, the same role ManuGH-xg2g and cartographus use it for.
type BadgerCache struct {
	db *badger.DB
}

type cacheRecord struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// OpenBadgerCache opens (or creates) a badger store at dir. An empty dir
// opens an in-memory-only store, useful for tests.
func OpenBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger url cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func (c *BadgerCache) Close() error { return c.db.Close() }

func (c *BadgerCache) Get(key string) (url string, fetchedAt time.Time, ttl time.Duration, ok bool) {
	var rec cacheRecord
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return "", time.Time{}, 0, false
	}
	return rec.URL, rec.FetchedAt, rec.TTL, true
}

// Set writes an entry, also setting badger's own entry-level TTL so an
// unrefreshed entry is physically reclaimed at hard expiration regardless of
// whether anything ever calls Get again (spec.md §4.6/P11). A non-positive
// ttl deletes the key outright (used by Registry.Invalidate).
func (c *BadgerCache) Set(key, url string, ttl time.Duration) error {
	if ttl <= 0 {
		return c.db.Update(func(txn *badger.Txn) error {
			err := txn.Delete([]byte(key))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		})
	}
	rec := cacheRecord{URL: url, FetchedAt: time.Now().UTC(), TTL: ttl}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal url cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), raw).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}
