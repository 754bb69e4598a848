package models

import (
	"github.com/mmdatafocus/exceptions_backend/config"
	"gorm.io/gorm"
)

// MigrateTable creates the tables this service owns. Ledger tables belong to the books service.
func MigrateTable(db *gorm.DB) error {
	if err := db.AutoMigrate(&Exception{}, &TenantMember{}); err != nil {
		config.LogError(config.GetLogger(), "migration.go", "MigrateTable", "AutoMigrate", nil, err)
		return err
	}
	return nil
}
