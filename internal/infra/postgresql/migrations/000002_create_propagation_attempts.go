package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"gorm.io/gorm"
)

func createAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_propagation_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AttemptModel{}); err != nil {
				return err
			}
			return execAll(tx, repository.AttemptIndexes)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AttemptModel{})
		},
	}
}
