package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
)

// Watcher reports writes to the data file made by anything other than the
// owning store. The store stays authoritative; OnExternalWrite usually asks
// the persister to write the in-memory document back.
type Watcher struct {
	store           *Store
	fs              afero.Fs
	onExternalWrite func()
	logger          *zap.Logger
}

// NewWatcher constructs a watcher for store's data file. It reads through the OS filesystem.
func NewWatcher(store *Store, onExternalWrite func(), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:           store,
		fs:              afero.NewOsFs(),
		onExternalWrite: onExternalWrite,
		logger:          logger,
	}
}

// Serve implements suture.Service.
func (w *Watcher) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.store.Path())
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	// The directory is watched because every save replaces the file by rename.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch data directory %s: %w", dir, err)
	}

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.inspect(target)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("data file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) String() string {
	return "watcher"
}

func (w *Watcher) inspect(path string) {
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return
	}
	if w.store.IsOwnWrite(data) {
		return
	}
	metrics.ExternalWrites.Inc()
	w.logger.Warn("data file changed by another writer; in-memory document stays authoritative",
		zap.String("path", path))
	if w.onExternalWrite != nil {
		w.onExternalWrite()
	}
}
