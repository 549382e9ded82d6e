package models

import (
	"time"

	"gorm.io/gorm"
)

// Outbound email statuses.
const (
	OutboundStatusQueued = "queued"
	OutboundStatusSent   = "sent"
)

// OutboundEmail records an original email sent (or scheduled to be sent)
// through a mailbox. Follow-up sequences anchor to these rows: a sent row
// provides the thread id and sent timestamp, a queued row is dispatched by
// the sweep first and the sequence activates afterwards.
type OutboundEmail struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	MailboxID uint `gorm:"not null;index" json:"mailbox_id"`

	MessageID string `gorm:"index" json:"message_id"`
	ThreadID  string `gorm:"index" json:"thread_id"`

	ToEmail  string `gorm:"not null" json:"to_email"`
	ToName   string `json:"to_name"`
	Subject  string `gorm:"not null" json:"subject"`
	BodyHTML string `gorm:"type:text" json:"body_html"`

	Status       string     `gorm:"default:'queued';index" json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
	SentAt       *time.Time `json:"sent_at"`
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	LastError    *string    `json:"last_error"`

	// Relations
	User    User    `json:"-"`
	Mailbox Mailbox `json:"-"`
}

// ThreadEmail is a synced copy of an inbox message, keyed by Message-ID and
// grouped by thread. Reply detection for the sweep runs against this table.
type ThreadEmail struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	MailboxID uint `gorm:"not null;index" json:"mailbox_id"`

	MessageID  string `gorm:"not null;index" json:"message_id"`
	ThreadID   string `gorm:"index" json:"thread_id"`
	InReplyTo  string `json:"in_reply_to"`
	References string `json:"references"`

	FromEmail string    `gorm:"not null;index" json:"from_email"` // bare address, lowercased
	FromName  string    `json:"from_name"`
	ToEmail   string    `json:"to_email"`
	Subject   string    `json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	BodyHTML  string    `gorm:"type:text" json:"body_html"`
	Date      time.Time `gorm:"not null;index" json:"date"`
	IsRead    bool      `gorm:"default:false" json:"is_read"`

	// Relations
	User    User    `json:"-"`
	Mailbox Mailbox `json:"-"`
}
