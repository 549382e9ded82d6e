package models

import "gorm.io/gorm"

// AutoMigrate creates or updates the schema for every entity in the module.
// config.ConnectDB runs this at startup; tests run it against in-memory
// databases.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Mailbox{},
		&OutboundEmail{},
		&ThreadEmail{},
		&FollowUpSequence{},
		&FollowUpMessage{},
	)
}
