package models

import (
	"log"

	"gorm.io/gorm"
)

// AllTables lists every table owned by the service.
func AllTables() []interface{} {
	return []interface{}{
		&Account{}, &Report{}, &PrivilegeGrant{}, &Notification{}, &NotificationEvent{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllTables()...)
}

func MigrateTable(db *gorm.DB) {
	if err := Migrate(db); err != nil {
		log.Fatal(err)
	}
}
