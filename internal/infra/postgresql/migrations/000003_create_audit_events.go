package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"gorm.io/gorm"
)

func createAuditEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_audit_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AuditEventModel{}); err != nil {
				return err
			}
			return execAll(tx, repository.AuditEventIndexes)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AuditEventModel{})
		},
	}
}
