package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEvent indicates that an event name is empty or exceeds storage bounds.
	ErrInvalidEvent = errors.New("journal: invalid event")
	// ErrInvalidDeviceID indicates that a device identifier exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("journal: invalid device id")
)

// Entry is one accepted mutation of the shared document.
type Entry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:64"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index"`
	DeviceID         string `gorm:"column:device_id;size:190;not null"`
	Event            string `gorm:"column:event;size:190;not null"`
	ChangedSections  string `gorm:"column:changed_sections;type:text;not null"`
	RejectedSections string `gorm:"column:rejected_sections;type:text;not null"`
	LastModified     string `gorm:"column:last_modified;size:32"`
}

// TableName keeps the table name stable across struct renames.
func (Entry) TableName() string {
	return "sync_journal"
}

// Record describes a mutation to be journaled.
type Record struct {
	DeviceID     string
	Event        string
	Changed      []string
	Rejected     []string
	LastModified time.Time
}

func (r Record) validate() error {
	event := strings.TrimSpace(r.Event)
	if event == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEvent)
	}
	if len(event) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidEvent, maxIdentifierLength)
	}
	if len(r.DeviceID) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return nil
}

// EntryView is the JSON shape served by the journal endpoint.
type EntryView struct {
	ID           string   `json:"id"`
	AppliedAt    int64    `json:"appliedAt"`
	DeviceID     string   `json:"deviceId"`
	Event        string   `json:"event"`
	Changed      []string `json:"changed"`
	Rejected     []string `json:"rejected"`
	LastModified string   `json:"lastModified,omitempty"`
}
