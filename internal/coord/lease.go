package coord

// #region imports
import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// #endregion

// #region acquire

// AcquireLease attempts a set-if-absent lock on key with the given TTL.
// Returns granted=false when another holder's lease is still live.
// Leases are never reentrant.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (granted bool, lease Lease, err error) {
	token := uuid.New().String()
	err = s.update(ctx, func(txn *badger.Txn) error {
		granted = false
		_, held, err := readString(txn, key)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
		if err := writeString(txn, key, token, ttl); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, Lease{}, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !granted {
		return false, Lease{}, nil
	}
	return true, Lease{Key: key, Token: token, Expiry: time.Now().Add(ttl)}, nil
}

// #endregion

// #region release

// ReleaseLease releases a lease, best-effort. Only deletes when the stored
// token still matches, so an expired lease reacquired by another holder is
// never released by the original owner.
func (s *Store) ReleaseLease(ctx context.Context, lease Lease) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		val, ok, err := readString(txn, lease.Key)
		if err != nil || !ok {
			return err
		}
		if val != lease.Token {
			return nil
		}
		return txn.Delete([]byte(lease.Key))
	})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	return nil
}

// #endregion
