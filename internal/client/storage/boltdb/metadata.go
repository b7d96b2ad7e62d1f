package boltdb

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// SaveServerURL remembers the server address. An empty value forgets it.
func (s *Storage) SaveServerURL(serverURL string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not found")
		}
		if serverURL == "" {
			return bucket.Delete(keyServerURL)
		}
		if err := bucket.Put(keyServerURL, []byte(serverURL)); err != nil {
			return fmt.Errorf("failed to save server url: %w", err)
		}
		return nil
	})
}

// LoadServerURL returns the remembered server address, or "" when none.
func (s *Storage) LoadServerURL() (string, error) {
	var serverURL string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not found")
		}
		// Get returns memory owned by the transaction; string() copies it.
		serverURL = string(bucket.Get(keyServerURL))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to load server url: %w", err)
	}
	return serverURL, nil
}
