package models

import (
	"log"

	"github.com/mmdatafocus/academy_backend/config"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates every table this service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Profile{}, &Order{},
		&PaymentQueueItem{}, &Payment{},
		&CardProfileLink{},
		&DuplicateCase{}, &DuplicateCaseMember{},
		&AuditLog{},
		&IdempotencyKey{},
	)
}

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
