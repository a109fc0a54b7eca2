package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"gorm.io/gorm"
)

func createRequestsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_dnc_requests",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RequestModel{}); err != nil {
				return err
			}
			return execAll(tx, repository.RequestIndexes)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RequestModel{})
		},
	}
}
