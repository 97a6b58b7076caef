package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripLegacyNamespacePrefix = "2025-03-06_strip_legacy_namespace_prefix"
	legacyNamespacePrefix               = "writer-"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripLegacyNamespacePrefix, apply: stripLegacyNamespacePrefix},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripLegacyNamespacePrefix renames namespaces written as "writer-<domain>" to "<domain>".
// Rows that would collide with an already migrated key are dropped; the unprefixed row wins.
func stripLegacyNamespacePrefix(db *gorm.DB) error {
	start := len(legacyNamespacePrefix) + 1
	rename := fmt.Sprintf(
		"UPDATE OR IGNORE kv_records SET namespace = substr(namespace, %d) WHERE namespace LIKE '%s%%';",
		start, legacyNamespacePrefix,
	)
	if err := db.Exec(rename).Error; err != nil {
		return err
	}
	cleanup := fmt.Sprintf("DELETE FROM kv_records WHERE namespace LIKE '%s%%';", legacyNamespacePrefix)
	return db.Exec(cleanup).Error
}
