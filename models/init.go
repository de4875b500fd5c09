package models

import "gorm.io/gorm"

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Template{},
		&Sequence{},
		&SequenceStep{},
		&Contact{},
		&Campaign{},
		&Enrollment{},
		&ScheduledStep{},
		&Email{},
		&WebhookEvent{},
	}
}

// Migrate creates or updates the schema for all models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}
