package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCustomerEmails = "2026-03-01_normalize_customer_emails"

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

// applyMigrations runs each named migration once, in order, recording it in db_migrations.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeCustomerEmails, apply: normalizeCustomerEmails},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeCustomerEmails lowercases and trims emails written before the stores
// normalized them, so lookups by email match regardless of input casing.
func normalizeCustomerEmails(db *gorm.DB) error {
	if err := db.Model(&orders.Lead{}).
		Where("email <> LOWER(TRIM(email))").
		Update("email", gorm.Expr("LOWER(TRIM(email))")).Error; err != nil {
		return err
	}
	return db.Model(&orders.Purchase{}).
		Where("customer_email <> LOWER(TRIM(customer_email))").
		Update("customer_email", gorm.Expr("LOWER(TRIM(customer_email))")).Error
}
