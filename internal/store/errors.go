package store

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked indicates the persisted document is encrypted and no valid key has been supplied.
	ErrLocked = errors.New("store: locked")
	// ErrNoBackup indicates a rescue was requested without a backup directory or file.
	ErrNoBackup = errors.New("store: no backup available")
)

// StorageError wraps disk failures with the operation and path involved.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
