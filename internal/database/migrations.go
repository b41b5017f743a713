package database

import (
	"errors"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/ledger/simledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAccountCase = "2026-09-21_normalize_account_case"

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
		{name: migrationNormalizeAccountCase, apply: normalizeAccountCase},
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

// normalizeAccountCase lower-cases addresses in rows seeded by external tooling. The ledger itself only writes
// lower case.
func normalizeAccountCase(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&simledger.Item{}).Where("seller <> lower(seller)").
			Update("seller", gorm.Expr("lower(seller)")).Error; err != nil {
			return err
		}
		if err := tx.Model(&simledger.Token{}).Where("owner <> lower(owner)").
			Update("owner", gorm.Expr("lower(owner)")).Error; err != nil {
			return err
		}
		return tx.Model(&simledger.Purchase{}).Where("buyer <> lower(buyer)").
			Update("buyer", gorm.Expr("lower(buyer)")).Error
	})
}
