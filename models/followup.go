package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Sequence statuses. A sequence is terminal once it leaves "active"; the
// cancelled statuses record why the chain stopped.
const (
	SequenceStatusActive          = "active"
	SequenceStatusCompleted       = "completed"
	SequenceStatusCancelledReply  = "cancelled_reply"
	SequenceStatusCancelledManual = "cancelled_manual"
)

// Message statuses. "sent" and "cancelled" are terminal; only "pending"
// messages may be edited or picked up by the sweep. "sending" is the
// sweep's claim while a dispatch is on the wire: edits and cancels must
// leave such a row alone, and the sweep resolves it to sent or releases
// it back to pending.
const (
	MessageStatusPending   = "pending"
	MessageStatusSending   = "sending"
	MessageStatusSent      = "sent"
	MessageStatusCancelled = "cancelled"
)

// ErrSequenceConflict is returned when an edit or cancel targets messages
// that changed state since they were read (already sent or cancelled).
var ErrSequenceConflict = errors.New("follow-up messages changed state, reload and retry")

// FollowUpSequence is an ordered chain of reminder messages anchored to one
// original outbound email. Sequences are never hard-deleted while they hold
// resolved messages; cancellation is a status change so history stays
// visible in the UI.
type FollowUpSequence struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	MailboxID uint `gorm:"not null;index" json:"mailbox_id"`

	// Anchor: either an already-sent email (OriginalSentAt set) or a queued
	// outbound email that the sweep dispatches later (QueuedEmailID set,
	// OriginalSentAt nil until the queued email goes out).
	ThreadID          string     `gorm:"index" json:"thread_id"`
	OriginalMessageID string     `gorm:"index" json:"original_message_id"`
	QueuedEmailID     *uint      `gorm:"index" json:"queued_email_id,omitempty"`
	OriginalSentAt    *time.Time `json:"original_sent_at"`

	RecipientEmail  string `gorm:"not null" json:"recipient_email"`
	RecipientName   string `json:"recipient_name"`
	OriginalSubject string `json:"original_subject"`

	// IANA zone captured from the owning user at creation time. Send
	// instants are always computed in this zone.
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	Status      string     `gorm:"default:'active';index" json:"status"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Messages []FollowUpMessage `gorm:"foreignKey:SequenceID" json:"messages,omitempty"`
	User     User              `json:"-"`
	Mailbox  Mailbox           `json:"-"`
}

// Location resolves the sequence's stored zone, falling back to UTC.
func (s *FollowUpSequence) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Anchored reports whether the original email has actually been sent, i.e.
// the sequence is sweepable.
func (s *FollowUpSequence) Anchored() bool {
	return s.OriginalSentAt != nil
}

// FollowUpMessage is one reminder in a sequence. SendAfterDays is the
// absolute day offset from the original email's sent timestamp; the
// relative per-message delays the UI works with are derived on the fly.
type FollowUpMessage struct {
	gorm.Model
	SequenceID     uint `gorm:"not null;index" json:"sequence_id"`
	SequenceNumber int  `gorm:"not null" json:"sequence_number"` // 1-based, contiguous, defines send order

	SendAfterDays int    `gorm:"not null" json:"send_after_days"`
	SendTime      string `gorm:"not null;default:'09:00'" json:"send_time"` // wall-clock HH:MM in the sequence zone

	Subject  string `gorm:"not null" json:"subject"`
	BodyHTML string `gorm:"type:text" json:"body_html"`

	Status        string     `gorm:"default:'pending';index" json:"status"`
	SentAt        *time.Time `json:"sent_at"`
	SentMessageID string     `json:"sent_message_id"`
	CancelledAt   *time.Time `json:"cancelled_at"`
	AttemptCount  int        `gorm:"default:0" json:"attempt_count"`
	LastError     *string    `json:"last_error"`

	// Relations
	Sequence FollowUpSequence `json:"-"`
}

// Resolved reports whether the message has left the editable pending
// state. A "sending" row counts: its mail may already be on the wire, so
// edits and cancels must not touch it.
func (m *FollowUpMessage) Resolved() bool {
	return m.Status != MessageStatusPending
}
