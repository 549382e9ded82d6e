package utils

import (
	"fmt"
	"log"
	"time"

	"touchbase/models"

	"gorm.io/gorm"
)

// FollowUpManager owns the create/edit/cancel contract for follow-up
// sequences. Every mutation runs inside a transaction that re-reads message
// status and only proceeds while the targeted messages are still pending,
// so a concurrent sweep resolving the same sequence surfaces as
// models.ErrSequenceConflict instead of silently resurrecting or dropping
// messages.
type FollowUpManager struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewFollowUpManager(db *gorm.DB, logger *log.Logger) *FollowUpManager {
	return &FollowUpManager{
		DB:     db,
		Logger: logger,
	}
}

// CreateSequenceInput carries everything needed to anchor a new sequence.
// Exactly one of OriginalSentAt (already-sent email) or QueuedEmailID
// (scheduled-but-unsent email) is expected; with a queued anchor the sweep
// stamps OriginalSentAt once the email goes out.
type CreateSequenceInput struct {
	UserID            uint
	MailboxID         uint
	ThreadID          string
	OriginalMessageID string
	QueuedEmailID     *uint
	RecipientEmail    string
	RecipientName     string
	OriginalSubject   string
	OriginalSentAt    *time.Time
	Timezone          string
	Drafts            []FollowUpDraft
}

// CreateSequence validates the drafts and persists one sequence row plus N
// message rows numbered 1..N, with relative delays converted to absolute
// day offsets. Nothing is written when validation fails.
func (fm *FollowUpManager) CreateSequence(in CreateSequenceInput, now time.Time) (*models.FollowUpSequence, error) {
	anchor := now
	if in.OriginalSentAt != nil {
		anchor = *in.OriginalSentAt
	}
	if err := ValidateDrafts(in.Drafts, anchor, now); err != nil {
		return nil, err
	}

	timezone := in.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	sequence := models.FollowUpSequence{
		UserID:            in.UserID,
		MailboxID:         in.MailboxID,
		ThreadID:          in.ThreadID,
		OriginalMessageID: in.OriginalMessageID,
		QueuedEmailID:     in.QueuedEmailID,
		RecipientEmail:    in.RecipientEmail,
		RecipientName:     in.RecipientName,
		OriginalSubject:   in.OriginalSubject,
		OriginalSentAt:    in.OriginalSentAt,
		Timezone:          timezone,
		Status:            models.SequenceStatusActive,
	}

	err := fm.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sequence).Error; err != nil {
			return fmt.Errorf("failed to create sequence: %w", err)
		}
		messages := buildMessages(sequence.ID, 1, in.Drafts)
		if err := tx.Create(&messages).Error; err != nil {
			return fmt.Errorf("failed to create follow-up messages: %w", err)
		}
		sequence.Messages = messages
		return nil
	})
	if err != nil {
		return nil, err
	}

	fm.Logger.Printf("Created sequence %d with %d follow-ups for %s", sequence.ID, len(in.Drafts), in.RecipientEmail)
	return &sequence, nil
}

// EditSequence atomically replaces the pending message set. Sent and
// cancelled messages are untouched; the replacement messages are numbered
// after the highest resolved sequence number so historical numbering stays
// contiguous for display.
func (fm *FollowUpManager) EditSequence(sequenceID, userID uint, drafts []FollowUpDraft, now time.Time) (*models.FollowUpSequence, error) {
	var sequence models.FollowUpSequence

	err := fm.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", sequenceID, userID).First(&sequence).Error; err != nil {
			return err
		}
		if sequence.Status != models.SequenceStatusActive {
			return models.ErrSequenceConflict
		}

		anchor := now
		if sequence.OriginalSentAt != nil {
			anchor = *sequence.OriginalSentAt
		}
		if err := ValidateDrafts(drafts, anchor, now); err != nil {
			return err
		}

		var existing []models.FollowUpMessage
		if err := tx.Where("sequence_id = ?", sequence.ID).
			Order("sequence_number ASC").
			Find(&existing).Error; err != nil {
			return err
		}

		var pendingIDs []uint
		highestResolved := 0
		for _, m := range existing {
			if m.Resolved() {
				if m.SequenceNumber > highestResolved {
					highestResolved = m.SequenceNumber
				}
			} else {
				pendingIDs = append(pendingIDs, m.ID)
			}
		}
		if len(pendingIDs) == 0 {
			return models.ErrSequenceConflict
		}

		// Guarded delete: if the sweep resolved any of these rows since we
		// read them, the affected count comes up short and we bail out.
		res := tx.Where("id IN ? AND status = ?", pendingIDs, models.MessageStatusPending).
			Delete(&models.FollowUpMessage{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(pendingIDs)) {
			return models.ErrSequenceConflict
		}

		messages := buildMessages(sequence.ID, highestResolved+1, drafts)
		if err := tx.Create(&messages).Error; err != nil {
			return fmt.Errorf("failed to create follow-up messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := fm.DB.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_number ASC")
	}).First(&sequence, sequence.ID).Error; err != nil {
		return nil, err
	}

	fm.Logger.Printf("Edited sequence %d: pending set replaced with %d follow-ups", sequence.ID, len(drafts))
	return &sequence, nil
}

// CancelSequence resolves every pending message to cancelled and marks the
// sequence cancelled_manual. Already-terminal sequences report a conflict so
// the caller can tell the user the follow-up was already sent or cancelled.
func (fm *FollowUpManager) CancelSequence(sequenceID, userID uint, now time.Time) (*models.FollowUpSequence, error) {
	var sequence models.FollowUpSequence

	err := fm.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", sequenceID, userID).First(&sequence).Error; err != nil {
			return err
		}

		res := tx.Model(&models.FollowUpSequence{}).
			Where("id = ? AND status = ?", sequence.ID, models.SequenceStatusActive).
			Updates(map[string]interface{}{
				"status":       models.SequenceStatusCancelledManual,
				"cancelled_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrSequenceConflict
		}

		if err := tx.Model(&models.FollowUpMessage{}).
			Where("sequence_id = ? AND status = ?", sequence.ID, models.MessageStatusPending).
			Updates(map[string]interface{}{
				"status":       models.MessageStatusCancelled,
				"cancelled_at": now,
			}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := fm.DB.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_number ASC")
	}).First(&sequence, sequence.ID).Error; err != nil {
		return nil, err
	}

	fm.Logger.Printf("Cancelled sequence %d", sequence.ID)
	return &sequence, nil
}

// RelativeDelays derives the edit-time relative delays for an ordered
// message list.
func RelativeDelays(messages []models.FollowUpMessage) []int {
	absolute := make([]int, len(messages))
	for i, m := range messages {
		absolute[i] = m.SendAfterDays
	}
	return ToRelativeDays(absolute)
}

func buildMessages(sequenceID uint, firstNumber int, drafts []FollowUpDraft) []models.FollowUpMessage {
	relative := make([]int, len(drafts))
	for i, d := range drafts {
		relative[i] = d.RelativeDelayDays
	}
	absolute := ToAbsoluteDays(relative)

	messages := make([]models.FollowUpMessage, len(drafts))
	for i, d := range drafts {
		messages[i] = models.FollowUpMessage{
			SequenceID:     sequenceID,
			SequenceNumber: firstNumber + i,
			SendAfterDays:  absolute[i],
			SendTime:       d.SendTime,
			Subject:        d.Subject,
			BodyHTML:       d.BodyHTML,
			Status:         models.MessageStatusPending,
		}
	}
	return messages
}
