// Package boltdb keeps a device's document and remembered server address in a
// local bbolt file so a restarted device resumes where it stopped.
package boltdb

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/MarcoPoloResearchLab/possync/internal/document"
)

var (
	bucketDocument = []byte("document")
	bucketMetadata = []byte("metadata")

	keyCurrent   = []byte("current")
	keyServerURL = []byte("server_url")
)

// Storage is the bbolt-backed client.LocalStore.
type Storage struct {
	db *bbolt.DB
}

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}
	if err := storage.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return storage, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocument, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// SaveDocument replaces the stored document.
func (s *Storage) SaveDocument(doc *document.Document) error {
	payload, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocument)
		if bucket == nil {
			return fmt.Errorf("document bucket not found")
		}
		if err := bucket.Put(keyCurrent, payload); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}
		return nil
	})
}

// LoadDocument returns the stored document, or nil when none was saved.
func (s *Storage) LoadDocument() (*document.Document, error) {
	var doc *document.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDocument)
		if bucket == nil {
			return fmt.Errorf("document bucket not found")
		}
		payload := bucket.Get(keyCurrent)
		if payload == nil {
			return nil
		}
		decoded, err := document.Decode(payload)
		if err != nil {
			return err
		}
		doc = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return doc, nil
}
