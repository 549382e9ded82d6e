package models

import (
	"gorm.io/gorm"
)

// User represents a user account in the system
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
	TokenVersion int    `gorm:"default:0" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"` // IANA zone, used for follow-up send times

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	Mailboxes []Mailbox          `gorm:"foreignKey:UserID" json:"mailboxes,omitempty"`
	Sequences []FollowUpSequence `gorm:"foreignKey:UserID" json:"sequences,omitempty"`
}
