// Package storage persists the resolved structure cache and monitor cache
// validators in a bbolt file.
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/esiwatch/internal/monitor"
	"github.com/yairfalse/esiwatch/internal/structure"
)

// Bucket names in bbolt
var (
	bucketStructures = []byte("structures")
	bucketValidators = []byte("validators")
	bucketMeta       = []byte("meta")
)

var keyCacheSavedAt = []byte("cache_saved_at")

// BoltStore is the file-backed persistence collaborator.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketStructures, bucketValidators, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string { return s.path }

// LoadCache returns every persisted structure ordered by ID.
func (s *BoltStore) LoadCache(ctx context.Context) ([]structure.Structure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []structure.Structure
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStructures).ForEach(func(_, v []byte) error {
			var st structure.Structure
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode structure: %w", err)
			}
			entries = append(entries, st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load structure cache: %w", err)
	}
	return entries, nil
}

// SaveCache replaces the persisted cache with entries in one transaction.
func (s *BoltStore) SaveCache(ctx context.Context, entries []structure.Structure) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketStructures); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(bucketStructures)
		if err != nil {
			return err
		}

		for _, st := range entries {
			value, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := bucket.Put(int64Key(st.ID), value); err != nil {
				return err
			}
		}

		stamp, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyCacheSavedAt, stamp)
	})
	if err != nil {
		return fmt.Errorf("save structure cache: %w", err)
	}
	return nil
}

// LastSaved returns when SaveCache last succeeded.
func (s *BoltStore) LastSaved() (time.Time, bool) {
	var saved time.Time
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyCacheSavedAt)
		if raw == nil {
			return nil
		}
		if err := saved.UnmarshalText(raw); err == nil {
			found = true
		}
		return nil
	})
	return saved, found
}

// LoadValidator returns the stored cache validator of a monitor.
func (s *BoltStore) LoadValidator(identityID int64, resource string) (monitor.Validator, bool, error) {
	var (
		v     monitor.Validator
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketValidators).Get(validatorKey(identityID, resource))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &v)
	})
	if err != nil {
		return monitor.Validator{}, false, fmt.Errorf("load validator: %w", err)
	}
	return v, found, nil
}

// SaveValidator stores a monitor's cache validator.
func (s *BoltStore) SaveValidator(identityID int64, resource string, v monitor.Validator) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode validator: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValidators).Put(validatorKey(identityID, resource), value)
	})
	if err != nil {
		return fmt.Errorf("save validator: %w", err)
	}
	return nil
}

// DeleteValidators drops every validator stored for an identity.
func (s *BoltStore) DeleteValidators(identityID int64) error {
	prefix := []byte(strconv.FormatInt(identityID, 10) + ":")
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketValidators)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats returns the number of persisted structures and the file size.
func (s *BoltStore) Stats() (structures int, sizeBytes int64) {
	_ = s.db.View(func(tx *bbolt.Tx) error {
		structures = tx.Bucket(bucketStructures).Stats().KeyN
		sizeBytes = tx.Size()
		return nil
	})
	return structures, sizeBytes
}

func int64Key(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func validatorKey(identityID int64, resource string) []byte {
	return []byte(strconv.FormatInt(identityID, 10) + ":" + resource)
}
