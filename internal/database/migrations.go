package database

import (
	"errors"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropLegacyOutboxKeys = "2026-07-14_drop_legacy_outbox_keys"

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
		{name: migrationDropLegacyOutboxKeys, apply: dropLegacyOutboxKeys},
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

// dropLegacyOutboxKeys removes queue entries written under the pre-release
// "outbox:" namespace, which the current queue prefixes supersede.
func dropLegacyOutboxKeys(db *gorm.DB) error {
	return db.Exec(
		"DELETE FROM kv_entries WHERE key LIKE 'outbox:%' AND key NOT LIKE ? AND key NOT LIKE ? AND key NOT LIKE ?",
		queue.PendingPrefix+"%", queue.FailedPrefix+"%", queue.SkippedPrefix+"%",
	).Error
}
