package store

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
)

// Backup copies written payloads into a secondary directory. Failures never
// reach the primary save; they are logged and published on Errors.
type Backup struct {
	fs     afero.Fs
	path   string
	queue  chan []byte
	errs   chan error
	logger *zap.Logger
}

// NewBackup constructs a backup task writing <dir>/<fileName>.
func NewBackup(fs afero.Fs, dir, fileName string, logger *zap.Logger) *Backup {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backup{
		fs:     fs,
		path:   filepath.Join(dir, filepath.Base(fileName)),
		queue:  make(chan []byte, 1),
		errs:   make(chan error, 8),
		logger: logger,
	}
}

// Enqueue replaces any pending payload with the newest one.
func (b *Backup) Enqueue(payload []byte) {
	for {
		select {
		case b.queue <- payload:
			return
		default:
		}
		select {
		case <-b.queue:
		default:
		}
	}
}

// Errors publishes copy failures. Slow readers miss errors rather than block copies.
func (b *Backup) Errors() <-chan error {
	return b.errs
}

// Path returns the backup file path.
func (b *Backup) Path() string {
	return b.path
}

// Serve implements suture.Service.
func (b *Backup) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case payload := <-b.queue:
				b.copy(payload)
			default:
			}
			return ctx.Err()
		case payload := <-b.queue:
			b.copy(payload)
		}
	}
}

func (b *Backup) String() string {
	return "backup"
}

func (b *Backup) copy(payload []byte) {
	if err := writeAtomic(b.fs, b.path, payload, nil); err != nil {
		metrics.BackupFailures.Inc()
		b.logger.Warn("backup copy failed", zap.String("path", b.path), zap.Error(err))
		select {
		case b.errs <- err:
		default:
		}
		return
	}
	b.logger.Debug("backup copy written", zap.String("path", b.path))
}
