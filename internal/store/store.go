// Package store owns the authoritative in-process document: loading it through
// the encryption gate, merging patches under the protected-section guard and
// persisting it atomically.
package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
)

const tempSuffix = ".tmp"

// LoadOutcome describes what Load found on disk.
type LoadOutcome int

const (
	// OutcomeDefaulted means no file existed; defaults are in effect.
	OutcomeDefaulted LoadOutcome = iota
	// OutcomePlaintext means a JSON file was merged over the defaults.
	OutcomePlaintext
	// OutcomeDecrypted means an encrypted file was opened with the configured key.
	OutcomeDecrypted
	// OutcomeLocked means the file is encrypted and could not be opened.
	OutcomeLocked
)

// String returns a human-readable representation of the outcome.
func (o LoadOutcome) String() string {
	switch o {
	case OutcomeDefaulted:
		return "defaulted"
	case OutcomePlaintext:
		return "plaintext"
	case OutcomeDecrypted:
		return "decrypted"
	case OutcomeLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// BackupSink receives a copy of every successfully written file.
type BackupSink interface {
	Enqueue(payload []byte)
}

// Config wires a Store.
type Config struct {
	Fs        afero.Fs
	Path      string
	BackupDir string
	Schema    *document.Schema
	Gate      *crypto.Gate
	Clock     func() time.Time
	Backup    BackupSink
	Logger    *zap.Logger
}

// Store is the single owner of the document.
type Store struct {
	fs        afero.Fs
	path      string
	backupDir string
	schema    *document.Schema
	gate      *crypto.Gate
	clock     func() time.Time
	backup    BackupSink
	logger    *zap.Logger

	mu     sync.RWMutex
	doc    *document.Document
	locked bool

	writeMu  sync.Mutex
	digestMu sync.Mutex
	// digests of the two most recent payloads; a rename event can be observed
	// after the next save already started
	digests [2][sha256.Size]byte
}

// New constructs a Store holding the schema defaults. Call Load to read the file.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Schema == nil {
		cfg.Schema = document.DefaultSchema()
	}
	if cfg.Gate == nil {
		cfg.Gate = crypto.NewGate(crypto.DefaultKDFParams())
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		fs:        cfg.Fs,
		path:      cfg.Path,
		backupDir: cfg.BackupDir,
		schema:    cfg.Schema,
		gate:      cfg.Gate,
		clock:     cfg.Clock,
		backup:    cfg.Backup,
		logger:    logger,
		doc:       document.New(cfg.Schema, time.Time{}),
	}, nil
}

// Schema returns the section table the store enforces.
func (s *Store) Schema() *document.Schema {
	return s.schema
}

// Path returns the primary data file path.
func (s *Store) Path() string {
	return s.path
}

// BackupPath returns the backup copy path, or "" when backups are off.
func (s *Store) BackupPath() string {
	if s.backupDir == "" {
		return ""
	}
	return filepath.Join(s.backupDir, filepath.Base(s.path))
}

// Locked reports whether the store is waiting for a key.
func (s *Store) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// Encrypted reports whether saves are sealed with a key.
func (s *Store) Encrypted() bool {
	return s.gate.HasKey()
}

// Load reads the data file and merges it over the in-memory document.
func (s *Store) Load() (LoadOutcome, error) {
	s.removeStaleTemp(s.path)
	return s.loadFrom(s.path)
}

// Unlock configures key and reloads. On failure the key is discarded and the
// store stays locked.
func (s *Store) Unlock(key string) error {
	if !s.Locked() {
		if s.gate.Matches(key) {
			return nil
		}
		return crypto.ErrWrongKey
	}
	if key == "" {
		return crypto.ErrNoKey
	}
	s.gate.SetKey(key)
	outcome, err := s.Load()
	if err != nil || outcome == OutcomeLocked {
		s.gate.ClearKey()
		if err == nil {
			err = ErrLocked
		}
		return err
	}
	return nil
}

// ChangeKey re-persists the document under newKey. It is allowed when the store
// is unlocked, or when oldKey opens the locked file. An empty newKey switches
// the file back to plaintext.
func (s *Store) ChangeKey(oldKey, newKey string) error {
	if s.Locked() {
		if err := s.Unlock(oldKey); err != nil {
			return err
		}
	}
	s.gate.SetKey(newKey)
	if err := s.Save(); err != nil {
		return err
	}
	s.logger.Info("encryption key changed", zap.Bool("encrypted", newKey != ""))
	return nil
}

// Rescue loads the backup copy as a fresh source and writes it back as the primary file.
func (s *Store) Rescue() (LoadOutcome, error) {
	backupPath := s.BackupPath()
	if backupPath == "" {
		return OutcomeDefaulted, ErrNoBackup
	}
	exists, err := afero.Exists(s.fs, backupPath)
	if err != nil {
		return OutcomeDefaulted, &StorageError{Op: "stat", Path: backupPath, Err: err}
	}
	if !exists {
		return OutcomeDefaulted, ErrNoBackup
	}
	outcome, err := s.loadFrom(backupPath)
	if err != nil || outcome == OutcomeLocked {
		return outcome, err
	}
	if err := s.Save(); err != nil {
		return outcome, err
	}
	s.logger.Info("document rescued from backup", zap.String("path", backupPath))
	return outcome, nil
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return nil, ErrLocked
	}
	return s.doc.Clone(), nil
}

// MarshalDocument serializes the current document.
func (s *Store) MarshalDocument() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return nil, ErrLocked
	}
	return s.doc.MarshalJSON()
}

// Merge applies patch under the protected-section guard and stamps lastModified
// when anything changed.
func (s *Store) Merge(patch document.Patch) (document.MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		metrics.MergesTotal.WithLabelValues("locked").Inc()
		return document.MergeResult{}, ErrLocked
	}

	result := s.doc.Apply(s.schema, patch)
	for _, rejection := range result.Rejected {
		metrics.RejectedKeys.WithLabelValues(rejection.Section).Inc()
		s.logger.Warn("refused empty overwrite of protected section",
			zap.String("section", rejection.Section),
			zap.Int("current_records", rejection.Current))
	}
	if len(result.Ignored) > 0 {
		s.logger.Debug("ignored unknown patch keys", zap.Strings("keys", result.Ignored))
	}
	if len(result.Invalid) > 0 {
		s.logger.Warn("ignored mistyped patch sections", zap.Strings("sections", result.Invalid))
	}
	if result.Changed {
		s.stampLocked()
		metrics.MergesTotal.WithLabelValues("changed").Inc()
	} else {
		metrics.MergesTotal.WithLabelValues("unchanged").Inc()
	}
	return result, nil
}

// AppendRecord adds a record unless one with the same id exists.
func (s *Store) AppendRecord(section string, record json.RawMessage) (bool, error) {
	return s.mutate(func(doc *document.Document) (bool, error) {
		return doc.AppendRecord(s.schema, section, record)
	})
}

// UpsertRecord replaces the record with the same id or appends it.
func (s *Store) UpsertRecord(section string, record json.RawMessage) (bool, error) {
	return s.mutate(func(doc *document.Document) (bool, error) {
		return doc.UpsertRecord(s.schema, section, record)
	})
}

// RemoveRecord deletes the records carrying id.
func (s *Store) RemoveRecord(section string, id json.RawMessage) (bool, error) {
	return s.mutate(func(doc *document.Document) (bool, error) {
		return doc.RemoveRecord(s.schema, section, id)
	})
}

// ClearSection resets one section to its default, bypassing the empty-list guard.
func (s *Store) ClearSection(section string) (bool, error) {
	changed, err := s.mutate(func(doc *document.Document) (bool, error) {
		return doc.ClearSection(s.schema, section)
	})
	if changed {
		s.logger.Info("section cleared", zap.String("section", section))
	}
	return changed, err
}

// Reset reinitializes every section to its documented default.
func (s *Store) Reset() error {
	_, err := s.mutate(func(doc *document.Document) (bool, error) {
		doc.Reset(s.schema)
		return true, nil
	})
	return err
}

// Save writes the document atomically: temp file in the same directory, fsync,
// then rename over the real file. A configured backup sink gets the written bytes.
func (s *Store) Save() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.locked {
		s.mu.RUnlock()
		return ErrLocked
	}
	data, err := s.doc.MarshalJSON()
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("store: encode document: %w", err)
	}

	payload := data
	if s.gate.HasKey() {
		payload, err = s.gate.Seal(data)
		if err != nil {
			return fmt.Errorf("store: seal document: %w", err)
		}
	}

	if err := writeAtomic(s.fs, s.path, payload, s.rememberDigest); err != nil {
		return err
	}
	if s.backup != nil {
		s.backup.Enqueue(payload)
	}
	return nil
}

// IsOwnWrite reports whether data is the last payload this store wrote.
func (s *Store) IsOwnWrite(data []byte) bool {
	digest := sha256.Sum256(data)
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	return digest == s.digests[0] || digest == s.digests[1]
}

func (s *Store) rememberDigest(payload []byte) {
	digest := sha256.Sum256(payload)
	s.digestMu.Lock()
	s.digests[1] = s.digests[0]
	s.digests[0] = digest
	s.digestMu.Unlock()
}

func (s *Store) mutate(apply func(*document.Document) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return false, ErrLocked
	}
	changed, err := apply(s.doc)
	if err != nil {
		return false, err
	}
	if changed {
		s.stampLocked()
	}
	return changed, nil
}

// stampLocked keeps lastModified strictly increasing even if the wall clock
// steps backwards. Callers hold s.mu.
func (s *Store) stampLocked() {
	now := s.clock().UTC().Truncate(time.Millisecond)
	if previous := s.doc.LastModified(); !now.After(previous) {
		now = previous.Add(time.Millisecond)
	}
	s.doc.SetLastModified(now)
}

func (s *Store) loadFrom(path string) (LoadOutcome, error) {
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		s.setLocked(false)
		return OutcomeDefaulted, nil
	}
	if err != nil {
		return OutcomeDefaulted, &StorageError{Op: "read", Path: path, Err: err}
	}

	if loaded, decodeErr := document.Decode(data); decodeErr == nil {
		s.overlay(loaded)
		s.logger.Info("document loaded", zap.String("path", path), zap.String("mode", "plaintext"))
		return OutcomePlaintext, nil
	}

	if !s.gate.HasKey() {
		s.setLocked(true)
		s.logger.Warn("document is encrypted, waiting for key", zap.String("path", path))
		return OutcomeLocked, nil
	}

	plaintext, err := s.gate.Open(data)
	if err != nil {
		s.gate.ClearKey()
		s.setLocked(true)
		s.logger.Warn("failed to decrypt document", zap.String("path", path), zap.Error(err))
		return OutcomeLocked, err
	}
	loaded, err := document.Decode(plaintext)
	if err != nil {
		s.gate.ClearKey()
		s.setLocked(true)
		return OutcomeLocked, fmt.Errorf("%w: %v", crypto.ErrMalformedCiphertext, err)
	}
	s.overlay(loaded)
	s.logger.Info("document loaded", zap.String("path", path), zap.String("mode", "encrypted"))
	return OutcomeDecrypted, nil
}

func (s *Store) overlay(loaded *document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Overlay(loaded)
	s.locked = false
}

func (s *Store) setLocked(locked bool) {
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
}

func (s *Store) removeStaleTemp(path string) {
	tmp := path + tempSuffix
	if err := s.fs.Remove(tmp); err == nil {
		s.logger.Warn("removed stale temp file", zap.String("path", tmp))
	}
}

func writeAtomic(fs afero.Fs, path string, payload []byte, beforeRename func([]byte)) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp := path + tempSuffix
	file, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &StorageError{Op: "create", Path: tmp, Err: err}
	}
	if _, err := file.Write(payload); err != nil {
		_ = file.Close()
		return &StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return &StorageError{Op: "sync", Path: tmp, Err: err}
	}
	if err := file.Close(); err != nil {
		return &StorageError{Op: "close", Path: tmp, Err: err}
	}
	if beforeRename != nil {
		beforeRename(payload)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
