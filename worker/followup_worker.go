package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"touchbase/models"
	"touchbase/utils"

	"gorm.io/gorm"
)

// FollowUpWorker is the periodic sweep over follow-up sequences. Each pass
// dispatches due queued anchor emails, activates sequences whose anchor has
// since been sent, and then reconciles every active sequence: a detected
// reply cancels the whole remaining chain, otherwise due messages are sent
// in sequence order. All transitions are status-guarded updates so
// overlapping sweeps stay idempotent.
type FollowUpWorker struct {
	DB       *gorm.DB
	Mailer   utils.Mailer
	Replies  utils.ReplyDetector
	Hub      *EventHub
	Logger   *log.Logger
	Interval time.Duration
}

func NewFollowUpWorker(db *gorm.DB, mailer utils.Mailer, replies utils.ReplyDetector, hub *EventHub, logger *log.Logger) *FollowUpWorker {
	return &FollowUpWorker{
		DB:       db,
		Mailer:   mailer,
		Replies:  replies,
		Hub:      hub,
		Logger:   logger,
		Interval: time.Minute,
	}
}

func (fw *FollowUpWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	fw.Logger.Println("Follow-up worker started")

	ticker := time.NewTicker(fw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fw.Logger.Println("Follow-up worker shutting down...")
			return
		case <-ticker.C:
			fw.Sweep(time.Now())
		}
	}
}

// Sweep runs one reconciliation pass pinned to the given instant.
func (fw *FollowUpWorker) Sweep(now time.Time) {
	fw.requeueStuckSends(now)
	fw.dispatchQueuedEmails(now)
	fw.activateQueuedSequences(now)
	fw.processActiveSequences(now)
}

// requeueStuckSends releases "sending" claims orphaned by a crash between
// claim and resolution, so those messages retry instead of hanging forever.
func (fw *FollowUpWorker) requeueStuckSends(now time.Time) {
	res := fw.DB.Model(&models.FollowUpMessage{}).
		Where("status = ? AND updated_at < ?", models.MessageStatusSending, now.Add(-10*time.Minute)).
		Update("status", models.MessageStatusPending)
	if res.Error != nil {
		fw.Logger.Printf("Error requeueing stuck sends: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		fw.Logger.Printf("Requeued %d follow-ups stuck in sending", res.RowsAffected)
	}
}

// dispatchQueuedEmails sends outbound emails whose scheduled time has
// passed. A failed send leaves the row queued for retry on the next pass.
func (fw *FollowUpWorker) dispatchQueuedEmails(now time.Time) {
	var due []models.OutboundEmail
	if err := fw.DB.Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
		models.OutboundStatusQueued, now).Find(&due).Error; err != nil {
		fw.Logger.Printf("Error fetching queued emails: %v", err)
		return
	}

	for _, email := range due {
		messageID, err := fw.Mailer.Send(email.MailboxID, utils.OutgoingEmail{
			To:       email.ToEmail,
			ToName:   email.ToName,
			Subject:  email.Subject,
			BodyHTML: email.BodyHTML,
		})
		if err != nil {
			fw.recordEmailFailure(email.ID, err)
			continue
		}

		res := fw.DB.Model(&models.OutboundEmail{}).
			Where("id = ? AND status = ?", email.ID, models.OutboundStatusQueued).
			Updates(map[string]interface{}{
				"status":     models.OutboundStatusSent,
				"message_id": messageID,
				"thread_id":  messageID,
				"sent_at":    now,
			})
		if res.Error != nil {
			fw.Logger.Printf("Error marking email %d sent: %v", email.ID, res.Error)
			continue
		}
		if res.RowsAffected > 0 {
			fw.Hub.Publish(Event{Type: EventEmailDispatched, EmailID: email.ID, At: now})
		}
	}
}

// activateQueuedSequences stamps the anchor fields onto sequences whose
// linked queued email has since gone out, making them sweepable.
func (fw *FollowUpWorker) activateQueuedSequences(now time.Time) {
	var sequences []models.FollowUpSequence
	if err := fw.DB.Where("status = ? AND original_sent_at IS NULL AND queued_email_id IS NOT NULL",
		models.SequenceStatusActive).Find(&sequences).Error; err != nil {
		fw.Logger.Printf("Error fetching unanchored sequences: %v", err)
		return
	}

	for _, seq := range sequences {
		var email models.OutboundEmail
		if err := fw.DB.First(&email, *seq.QueuedEmailID).Error; err != nil {
			fw.Logger.Printf("Error loading anchor email for sequence %d: %v", seq.ID, err)
			continue
		}
		if email.Status != models.OutboundStatusSent || email.SentAt == nil {
			continue
		}
		if err := fw.DB.Model(&models.FollowUpSequence{}).
			Where("id = ? AND original_sent_at IS NULL", seq.ID).
			Updates(map[string]interface{}{
				"original_sent_at":    email.SentAt,
				"thread_id":           email.ThreadID,
				"original_message_id": email.MessageID,
			}).Error; err != nil {
			fw.Logger.Printf("Error anchoring sequence %d: %v", seq.ID, err)
		}
	}
}

func (fw *FollowUpWorker) processActiveSequences(now time.Time) {
	var sequences []models.FollowUpSequence
	if err := fw.DB.Where("status = ? AND original_sent_at IS NOT NULL", models.SequenceStatusActive).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Where("status = ?", models.MessageStatusPending).Order("sequence_number ASC")
		}).
		Order("id ASC").
		Find(&sequences).Error; err != nil {
		fw.Logger.Printf("Error fetching active sequences: %v", err)
		return
	}

	for _, seq := range sequences {
		if err := fw.processSequence(seq, now); err != nil {
			fw.Logger.Printf("Error processing sequence %d: %v", seq.ID, err)
		}
	}
}

func (fw *FollowUpWorker) processSequence(seq models.FollowUpSequence, now time.Time) error {
	if len(seq.Messages) == 0 {
		return fw.maybeCompleteSequence(&seq, now)
	}

	// One reply check per sequence: a single reply invalidates the whole
	// remaining chain, not just the next message.
	replied, err := fw.Replies.HasReplySince(seq.UserID, seq.ThreadID, seq.RecipientEmail, *seq.OriginalSentAt)
	if err != nil {
		// Fail safe: on a detection error the sequence is skipped for this
		// pass. Nothing is sent and nothing is cancelled; the messages stay
		// pending and the check is retried on the next sweep.
		utils.LogError("reply_detection_failed", err, map[string]interface{}{
			"sequence_id": seq.ID,
			"thread_id":   seq.ThreadID,
		})
		return nil
	}
	if replied {
		return fw.cancelSequenceOnReply(&seq, now)
	}

	loc := seq.Location()
	for _, m := range seq.Messages {
		dueAt, err := utils.AbsoluteSendInstant(*seq.OriginalSentAt, m.SendAfterDays, m.SendTime, loc)
		if err != nil {
			utils.LogError("followup_due_time_invalid", err, map[string]interface{}{
				"sequence_id": seq.ID,
				"message_id":  m.ID,
			})
			continue
		}
		if dueAt.After(now) {
			// Messages are ordered; nothing after this one is due either.
			break
		}
		if err := fw.sendMessage(&seq, &m, now); err != nil {
			// The failed message stays pending. Later messages in this
			// sequence keep their order by waiting for the retry.
			return err
		}
	}

	return fw.maybeCompleteSequence(&seq, now)
}

// sendMessage claims one due follow-up with a status-guarded update to
// "sending" before dispatching, so an edit or cancel committing while the
// mail is on the wire cannot resolve the row out from under it. On success
// the claim resolves to sent; on failure it is released back to pending for
// the next sweep.
func (fw *FollowUpWorker) sendMessage(seq *models.FollowUpSequence, m *models.FollowUpMessage, now time.Time) error {
	claim := fw.DB.Model(&models.FollowUpMessage{}).
		Where("id = ? AND status = ?", m.ID, models.MessageStatusPending).
		Update("status", models.MessageStatusSending)
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil // cancelled, edited away, or claimed by another sweep
	}

	messageID, err := fw.Mailer.Send(seq.MailboxID, utils.OutgoingEmail{
		To:         seq.RecipientEmail,
		ToName:     seq.RecipientName,
		Subject:    m.Subject,
		BodyHTML:   m.BodyHTML,
		InReplyTo:  seq.OriginalMessageID,
		References: seq.OriginalMessageID,
	})
	if err != nil {
		if dbErr := fw.DB.Model(&models.FollowUpMessage{}).
			Where("id = ? AND status = ?", m.ID, models.MessageStatusSending).
			Updates(map[string]interface{}{
				"status":        models.MessageStatusPending,
				"attempt_count": gorm.Expr("attempt_count + ?", 1),
				"last_error":    err.Error(),
			}).Error; dbErr != nil {
			fw.Logger.Printf("Error releasing claim on message %d: %v", m.ID, dbErr)
		}
		utils.LogError("followup_send_failed", err, map[string]interface{}{
			"sequence_id": seq.ID,
			"message_id":  m.ID,
			"recipient":   seq.RecipientEmail,
		})
		return fmt.Errorf("send follow-up %d: %w", m.SequenceNumber, err)
	}

	res := fw.DB.Model(&models.FollowUpMessage{}).
		Where("id = ? AND status = ?", m.ID, models.MessageStatusSending).
		Updates(map[string]interface{}{
			"status":          models.MessageStatusSent,
			"sent_at":         now,
			"sent_message_id": messageID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		fw.Hub.Publish(Event{Type: EventMessageSent, SequenceID: seq.ID, MessageID: m.ID, At: now})
	}
	return nil
}

// cancelSequenceOnReply resolves every pending message in the sequence to
// cancelled in one decision. The sequence-level guard makes a second
// overlapping sweep a no-op.
func (fw *FollowUpWorker) cancelSequenceOnReply(seq *models.FollowUpSequence, now time.Time) error {
	cancelled := false
	err := fw.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FollowUpSequence{}).
			Where("id = ? AND status = ?", seq.ID, models.SequenceStatusActive).
			Updates(map[string]interface{}{
				"status":       models.SequenceStatusCancelledReply,
				"cancelled_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		cancelled = true
		return tx.Model(&models.FollowUpMessage{}).
			Where("sequence_id = ? AND status = ?", seq.ID, models.MessageStatusPending).
			Updates(map[string]interface{}{
				"status":       models.MessageStatusCancelled,
				"cancelled_at": now,
			}).Error
	})
	if err != nil {
		return err
	}
	if cancelled {
		fw.Logger.Printf("Sequence %d cancelled: reply detected on thread %s", seq.ID, seq.ThreadID)
		fw.Hub.Publish(Event{Type: EventSequenceCancelled, SequenceID: seq.ID, Detail: "reply detected", At: now})
	}
	return nil
}

// maybeCompleteSequence converges a sequence with no pending messages left
// to completed. Reply- and user-cancelled statuses take precedence since
// they communicate why the chain stopped.
func (fw *FollowUpWorker) maybeCompleteSequence(seq *models.FollowUpSequence, now time.Time) error {
	var unresolved int64
	if err := fw.DB.Model(&models.FollowUpMessage{}).
		Where("sequence_id = ? AND status IN ?", seq.ID,
			[]string{models.MessageStatusPending, models.MessageStatusSending}).
		Count(&unresolved).Error; err != nil {
		return err
	}
	if unresolved > 0 {
		return nil
	}

	res := fw.DB.Model(&models.FollowUpSequence{}).
		Where("id = ? AND status = ?", seq.ID, models.SequenceStatusActive).
		Updates(map[string]interface{}{
			"status":       models.SequenceStatusCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		fw.Hub.Publish(Event{Type: EventSequenceCompleted, SequenceID: seq.ID, At: now})
	}
	return nil
}

func (fw *FollowUpWorker) recordEmailFailure(emailID uint, err error) {
	if dbErr := fw.DB.Model(&models.OutboundEmail{}).
		Where("id = ?", emailID).
		Updates(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + ?", 1),
			"last_error":    err.Error(),
		}).Error; dbErr != nil {
		fw.Logger.Printf("Error recording send failure for email %d: %v", emailID, dbErr)
	}
	utils.LogError("queued_email_send_failed", err, map[string]interface{}{
		"email_id": emailID,
	})
}
