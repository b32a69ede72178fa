// Package storage persists login state in a bbolt database so that a
// browser login started by one process can be completed by another.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the state directory (~/.panflux/).
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

var errNoBucket = errors.New("origin bucket missing")

func originBucket(origin string) []byte {
	return []byte("origin:" + origin)
}

// Store is a panflux.Storage scoped to one origin. Every origin gets its
// own bucket, so logins for different redirect targets do not collide.
type Store struct {
	db     *bolt.DB
	bucket []byte
	owned  bool
}

// Load opens the database at ~/.panflux/state.db.
func Load(origin string) (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, origin)
}

// LoadAt opens a database at path, creating it and the origin bucket if
// needed.
func LoadAt(path, origin string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	s, err := newStore(db, origin)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.owned = true

	return s, nil
}

// Origin returns a Store for another origin sharing the same database.
// Closing it does not close the database.
func (s *Store) Origin(origin string) (*Store, error) {
	return newStore(s.db, origin)
}

func newStore(db *bolt.DB, origin string) (*Store, error) {
	bucket := originBucket(origin)

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db, bucket: bucket}, nil
}

// Close closes the database if this Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}

	return s.db.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errNoBucket
		}

		if v := b.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}

	return value, found, nil
}

func (s *Store) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	return nil
}

// Keys lists the keys stored for this origin, in byte order.
func (s *Store) Keys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	return keys, nil
}

// Clear removes every key for this origin.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		_, err := tx.CreateBucket(s.bucket)

		return err
	})
	if err != nil {
		return fmt.Errorf("clearing origin: %w", err)
	}

	return nil
}

// DefaultPath is ~/.panflux/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".panflux", "state.db"), nil
}
