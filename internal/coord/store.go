package coord

// #region imports
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// #endregion

// #region store-struct

// Store wraps BadgerDB with the key/value, list, set, scan, and
// compare-and-reset primitives the tuning core coordinates through.
// All mutating multi-step operations run inside a single transaction.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a coordination store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open coord store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion

// #region txn-helpers

// update runs fn in a read-write transaction, retrying on serialization
// conflicts. Checks ctx before starting and between retries.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("txn conflict: retries exhausted")
}

// view runs fn in a read-only transaction.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// readString reads a key inside txn. Returns ("", false, nil) when absent.
func readString(txn *badger.Txn, key string) (string, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

// writeString writes a key inside txn, with TTL when ttl > 0.
func writeString(txn *badger.Txn, key, val string, ttl time.Duration) error {
	e := badger.NewEntry([]byte(key), []byte(val))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

// #endregion

// #region kv

// Get returns the value for key, or ok=false when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		val, ok, err = readString(txn, key)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, ok, nil
}

// Set writes key with no expiry.
func (s *Store) Set(ctx context.Context, key, val string) error {
	return s.SetTTL(ctx, key, val, 0)
}

// SetTTL writes key with the given time-to-live. ttl <= 0 means no expiry.
func (s *Store) SetTTL(ctx context.Context, key, val string, ttl time.Duration) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return writeString(txn, key, val, ttl)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Expire refreshes the TTL of an existing key, preserving its value.
// No-op when the key is absent.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		val, ok, err := readString(txn, key)
		if err != nil || !ok {
			return err
		}
		return writeString(txn, key, val, ttl)
	})
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// #endregion

// #region counters

// Incr atomically adds 1 to the counter at key and refreshes its TTL.
// Absent keys start at 0. Returns the post-increment value.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.addCounter(ctx, key, 1, ttl)
}

// Decr atomically subtracts 1 from the counter at key and refreshes its TTL.
func (s *Store) Decr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.addCounter(ctx, key, -1, ttl)
}

func (s *Store) addCounter(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var result int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		result = cur + delta
		return writeString(txn, key, strconv.FormatInt(result, 10), ttl)
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return result, nil
}

// GetCounter reads a counter, treating absent as 0.
func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	var result int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		result, err = readCounter(txn, key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", key, err)
	}
	return result, nil
}

func readCounter(txn *badger.Txn, key string) (int64, error) {
	val, ok, err := readString(txn, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-numeric value %q", key, val)
	}
	return n, nil
}

// #endregion

// #region compare-and-reset

// CompareAndReset reads counters keyA and keyB in one transaction. If their
// total has reached threshold it deletes both and returns crossed=true with
// the prior values; otherwise it mutates nothing. Concurrent crossers
// conflict at commit, so exactly one caller observes crossed=true per
// crossing; losers retry and see the reset counters.
func (s *Store) CompareAndReset(ctx context.Context, keyA, keyB string, threshold int64) (crossed bool, a, b int64, err error) {
	err = s.update(ctx, func(txn *badger.Txn) error {
		crossed = false
		var e error
		a, e = readCounter(txn, keyA)
		if e != nil {
			return e
		}
		b, e = readCounter(txn, keyB)
		if e != nil {
			return e
		}
		if a+b < threshold {
			return nil
		}
		if e := txn.Delete([]byte(keyA)); e != nil {
			return e
		}
		if e := txn.Delete([]byte(keyB)); e != nil {
			return e
		}
		crossed = true
		return nil
	})
	if err != nil {
		return false, 0, 0, fmt.Errorf("compare-and-reset %s+%s: %w", keyA, keyB, err)
	}
	return crossed, a, b, nil
}

// #endregion

// #region lists

// Push prepends val to the ordered list at key, trimming it to max entries
// when max > 0, and refreshes the list TTL.
func (s *Store) Push(ctx context.Context, key, val string, max int, ttl time.Duration) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		items, err := readList(txn, key)
		if err != nil {
			return err
		}
		items = append([]string{val}, items...)
		if max > 0 && len(items) > max {
			items = items[:max]
		}
		return writeList(txn, key, items, ttl)
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Trim shortens the list at key to max entries, newest first.
func (s *Store) Trim(ctx context.Context, key string, max int) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		items, err := readList(txn, key)
		if err != nil {
			return err
		}
		if len(items) <= max {
			return nil
		}
		return writeList(txn, key, items[:max], 0)
	})
	if err != nil {
		return fmt.Errorf("trim %s: %w", key, err)
	}
	return nil
}

// Range returns list entries [from, to] inclusive; to = -1 means the end.
func (s *Store) Range(ctx context.Context, key string, from, to int) ([]string, error) {
	var items []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		items, err = readList(txn, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	if to < 0 || to >= len(items) {
		to = len(items) - 1
	}
	if from < 0 {
		from = 0
	}
	if from > to {
		return nil, nil
	}
	return items[from : to+1], nil
}

func readList(txn *badger.Txn, key string) ([]string, error) {
	raw, ok, err := readString(txn, key)
	if err != nil || !ok {
		return nil, err
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("list %s holds malformed value: %w", key, err)
	}
	return items, nil
}

func writeList(txn *badger.Txn, key string, items []string, ttl time.Duration) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return writeString(txn, key, string(raw), ttl)
}

// #endregion

// #region sets

// SAdd adds member to the set at key.
func (s *Store) SAdd(ctx context.Context, key, member string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		members, err := readList(txn, key)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m == member {
				return nil
			}
		}
		members = append(members, member)
		sort.Strings(members)
		return writeList(txn, key, members, 0)
	})
	if err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes member from the set at key.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		members, err := readList(txn, key)
		if err != nil {
			return err
		}
		out := members[:0]
		for _, m := range members {
			if m != member {
				out = append(out, m)
			}
		}
		if len(out) == 0 {
			return txn.Delete([]byte(key))
		}
		return writeList(txn, key, out, 0)
	})
	if err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of the set at key, sorted.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.Range(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// #endregion

// #region scan

// Scan returns all live keys with the given prefix, sorted.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// #endregion
