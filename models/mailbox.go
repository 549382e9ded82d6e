package models

import (
	"time"

	"gorm.io/gorm"
)

// Mailbox represents email sending and receiving credentials
type Mailbox struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status & Verification =========
	SMTPVerified bool       `json:"smtp_verified" gorm:"default:false"`
	IMAPVerified bool       `json:"imap_verified" gorm:"default:false"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	LastError    *string    `json:"last_error"`

	// ========= Usage Metrics =========
	SentToday int `gorm:"default:0" json:"sent_today"`
	TotalSent int `gorm:"default:0" json:"total_sent"`
}

// Sanitize strips credential material before the mailbox is returned to a client.
func (m *Mailbox) Sanitize() {
	m.SMTPPassword = ""
	m.IMAPPassword = ""
}
