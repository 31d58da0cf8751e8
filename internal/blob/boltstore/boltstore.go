// Package boltstore implements blob.Store in a local bbolt file, for
// single-node deployments without object storage.
package boltstore

import (
	"context"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/shineum/mail-dispatch/internal/blob"
)

// Scheme is the URL scheme of blobs held by a Store.
const Scheme = "bolt"

var (
	bucketBlobs = []byte("blobs")
	bucketTypes = []byte("content_types")
)

// Store keeps blobs in a bbolt database.
type Store struct {
	db *bbolt.DB
}

var _ blob.Store = (*Store)(nil)

// Open opens or creates the database file and ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlobs, bucketTypes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put implements blob.Store.
func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTypes).Put([]byte(key), []byte(contentType))
	})
	if err != nil {
		return "", fmt.Errorf("boltstore: put %s: %w", key, err)
	}
	return blob.KeyURL(Scheme, "", key), nil
}

// Fetch implements blob.Fetcher.
func (s *Store) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	_, key, err := blob.KeyFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return blob.ErrNotFound
		}
		// v is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: fetch %s: %w", key, err)
	}
	return data, nil
}

// ContentType returns the content type recorded for key by Put.
func (s *Store) ContentType(key string) string {
	var ct string
	s.db.View(func(tx *bbolt.Tx) error {
		ct = string(tx.Bucket(bucketTypes).Get([]byte(key)))
		return nil
	})
	return ct
}
