// Package journal keeps an append-only audit trail of accepted document mutations.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultListLimit bounds List when the caller does not.
	DefaultListLimit = 50
	// MaxListLimit is the largest page List returns.
	MaxListLimit = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "journal.service.new"
	opAppend     = "journal.append"
	opList       = "journal.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Append stores one record.
func (s *Service) Append(ctx context.Context, record Record) (Entry, error) {
	if err := record.validate(); err != nil {
		s.logError(opAppend, "invalid_record", err)
		return Entry{}, newServiceError(opAppend, "invalid_record", err)
	}

	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppend, "id_generation_failed", err)
		return Entry{}, newServiceError(opAppend, "id_generation_failed", err)
	}

	changed, err := encodeSections(record.Changed)
	if err != nil {
		return Entry{}, newServiceError(opAppend, "encode_failed", err)
	}
	rejected, err := encodeSections(record.Rejected)
	if err != nil {
		return Entry{}, newServiceError(opAppend, "encode_failed", err)
	}

	entry := Entry{
		EntryID:          entryID,
		AppliedAtSeconds: s.clock().UTC().Unix(),
		DeviceID:         record.DeviceID,
		Event:            record.Event,
		ChangedSections:  changed,
		RejectedSections: rejected,
	}
	if !record.LastModified.IsZero() {
		entry.LastModified = record.LastModified.UTC().Format("2006-01-02T15:04:05.000Z")
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opAppend, "insert_failed", err,
			zap.String("event", record.Event),
			zap.String("device_id", record.DeviceID))
		return Entry{}, newServiceError(opAppend, "insert_failed", err)
	}
	return entry, nil
}

// List returns the newest entries first.
func (s *Service) List(ctx context.Context, limit int) ([]EntryView, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var entries []Entry
	if err := s.db.WithContext(ctx).
		Order("applied_at_s DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}

	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, EntryView{
			ID:           entry.EntryID,
			AppliedAt:    entry.AppliedAtSeconds,
			DeviceID:     entry.DeviceID,
			Event:        entry.Event,
			Changed:      decodeSections(entry.ChangedSections),
			Rejected:     decodeSections(entry.RejectedSections),
			LastModified: entry.LastModified,
		})
	}
	return views, nil
}

func encodeSections(sections []string) (string, error) {
	if sections == nil {
		sections = []string{}
	}
	encoded, err := json.Marshal(sections)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeSections(raw string) []string {
	sections := []string{}
	if raw == "" {
		return sections
	}
	if err := json.Unmarshal([]byte(raw), &sections); err != nil {
		return []string{}
	}
	return sections
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("journal service error", attrs...)
}
