package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/longessay/writer-agent/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsStripsLegacyNamespacePrefix(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&storage.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	seed := []storage.Record{
		{Namespace: "writer-notes", Key: "NOTE_0", Value: `{"note_no":0,"note_text":"legacy"}`, UpdatedAtMs: 1},
		{Namespace: "writer-notes", Key: "NOTE_1", Value: `{"note_no":1,"note_text":"legacy"}`, UpdatedAtMs: 1},
		{Namespace: "notes", Key: "NOTE_1", Value: `{"note_no":1,"note_text":"current"}`, UpdatedAtMs: 2},
	}
	if err := database.Create(&seed).Error; err != nil {
		testContext.Fatalf("failed to insert records: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var records []storage.Record
	if err := database.Order("record_key ASC").Find(&records).Error; err != nil {
		testContext.Fatalf("failed to reload records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 records after migration, got %d", len(records))
	}
	for _, record := range records {
		if record.Namespace != "notes" {
			testContext.Fatalf("expected namespace notes, got %s", record.Namespace)
		}
	}
	if records[1].Value != `{"note_no":1,"note_text":"current"}` {
		testContext.Fatalf("expected the unprefixed record to win, got %s", records[1].Value)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationStripLegacyNamespacePrefix).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
