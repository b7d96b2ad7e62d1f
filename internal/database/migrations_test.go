package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/possync/internal/journal"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&journal.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsWithNoneRegistered(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, zap.NewNop()); err != nil {
			testContext.Fatalf("attempt %d: failed to apply migrations: %v", attempt, err)
		}
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != int64(len(registeredMigrations)) {
		testContext.Fatalf("expected %d migration records, got %d", len(registeredMigrations), count)
	}
}

func TestRunMigrationsRecordsAndSkipsApplied(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	calls := 0
	migrations := []migrationDefinition{{
		name: "test_marks_devices",
		apply: func(db *gorm.DB) error {
			calls++
			return db.Create(&journal.Entry{
				EntryID:          "entry-1",
				AppliedAtSeconds: 1714557600,
				DeviceID:         "device-1",
				Event:            "full_state_update",
			}).Error
		},
	}}

	if err := runMigrations(database, zap.NewNop(), migrations); err != nil {
		testContext.Fatalf("failed to run migrations: %v", err)
	}
	if err := runMigrations(database, zap.NewNop(), migrations); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
	if calls != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", calls)
	}

	var record migrationRecord
	if err := database.Where("name = ?", "test_marks_devices").Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestRunMigrationsStopsOnFailure(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	failure := errors.New("boom")
	migrations := []migrationDefinition{{
		name:  "test_fails",
		apply: func(*gorm.DB) error { return failure },
	}}

	if err := runMigrations(database, zap.NewNop(), migrations); !errors.Is(err, failure) {
		testContext.Fatalf("expected the migration error, got %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected failed migration to stay unrecorded, got %d records", count)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}

func TestOpenSQLiteCreatesJournalTable(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "journal.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&journal.Entry{}) {
		testContext.Fatalf("expected journal table to exist")
	}
}
