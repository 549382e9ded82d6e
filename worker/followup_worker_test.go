package worker

import (
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"touchbase/models"
	"touchbase/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sentRecord struct {
	MailboxID uint
	Email     utils.OutgoingEmail
}

// fakeMailer records sends and can be told to fail.
type fakeMailer struct {
	sent []sentRecord
	err  error
}

func (f *fakeMailer) Send(mailboxID uint, email utils.OutgoingEmail) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentRecord{MailboxID: mailboxID, Email: email})
	return fmt.Sprintf("<fake-%d@test>", len(f.sent)), nil
}

// fakeReplies answers the reply check with a fixed result per thread.
type fakeReplies struct {
	replied map[string]bool
	err     error
}

func (f *fakeReplies) HasReplySince(userID uint, threadID, recipient string, since time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.replied[threadID], nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testWorker(t *testing.T, db *gorm.DB, mailer utils.Mailer, replies *fakeReplies) *FollowUpWorker {
	t.Helper()
	return NewFollowUpWorker(db, mailer, replies, NewEventHub(), log.New(io.Discard, "", 0))
}

func seedSequence(t *testing.T, db *gorm.DB, sentAt time.Time, offsets ...int) *models.FollowUpSequence {
	t.Helper()

	seq := models.FollowUpSequence{
		UserID:            1,
		MailboxID:         1,
		ThreadID:          "<orig@test>",
		OriginalMessageID: "<orig@test>",
		OriginalSentAt:    &sentAt,
		RecipientEmail:    "ana@example.com",
		Timezone:          "UTC",
		Status:            models.SequenceStatusActive,
	}
	require.NoError(t, db.Create(&seq).Error)

	for i, days := range offsets {
		msg := models.FollowUpMessage{
			SequenceID:     seq.ID,
			SequenceNumber: i + 1,
			SendAfterDays:  days,
			SendTime:       "09:00",
			Subject:        fmt.Sprintf("Follow-up %d", i+1),
			BodyHTML:       "<p>Checking in.</p>",
			Status:         models.MessageStatusPending,
		}
		require.NoError(t, db.Create(&msg).Error)
	}
	return &seq
}

func messageStatuses(t *testing.T, db *gorm.DB, sequenceID uint) []string {
	t.Helper()
	var messages []models.FollowUpMessage
	require.NoError(t, db.Where("sequence_id = ?", sequenceID).
		Order("sequence_number ASC").Find(&messages).Error)
	statuses := make([]string, len(messages))
	for i, m := range messages {
		statuses[i] = m.Status
	}
	return statuses
}

func reloadSequence(t *testing.T, db *gorm.DB, id uint) *models.FollowUpSequence {
	t.Helper()
	var seq models.FollowUpSequence
	require.NoError(t, db.First(&seq, id).Error)
	return &seq
}

func TestSweepSendsDueMessagesInOrder(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1, 2, 5)

	// Two days and change later: messages 1 and 2 are due, message 3 is not
	now := sentAt.Add(2*24*time.Hour + 2*time.Hour)
	fw.Sweep(now)

	require.Len(t, mailer.sent, 2)
	assert.Equal(t, "Follow-up 1", mailer.sent[0].Email.Subject)
	assert.Equal(t, "Follow-up 2", mailer.sent[1].Email.Subject)
	assert.Equal(t, "<orig@test>", mailer.sent[0].Email.InReplyTo)

	assert.Equal(t, []string{
		models.MessageStatusSent,
		models.MessageStatusSent,
		models.MessageStatusPending,
	}, messageStatuses(t, db, seq.ID))
	assert.Equal(t, models.SequenceStatusActive, reloadSequence(t, db, seq.ID).Status)

	// A second sweep at the same instant sends nothing new
	fw.Sweep(now)
	assert.Len(t, mailer.sent, 2)
}

func TestSweepCompletesSequenceAfterLastMessage(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1, 2)

	now := sentAt.Add(3 * 24 * time.Hour)
	fw.Sweep(now)

	assert.Len(t, mailer.sent, 2)
	reloaded := reloadSequence(t, db, seq.ID)
	assert.Equal(t, models.SequenceStatusCompleted, reloaded.Status)
	assert.NotNil(t, reloaded.CompletedAt)
}

func TestSweepCancelsWholeChainOnReply(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	replies := &fakeReplies{replied: map[string]bool{"<orig@test>": true}}
	fw := testWorker(t, db, mailer, replies)

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1, 2, 5)

	hub := fw.Hub
	events, cancel := hub.Subscribe()
	defer cancel()

	// Message 1 is overdue, but the reply wins: nothing is sent and every
	// pending message resolves to cancelled.
	now := sentAt.Add(2 * 24 * time.Hour)
	fw.Sweep(now)

	assert.Empty(t, mailer.sent)
	assert.Equal(t, []string{
		models.MessageStatusCancelled,
		models.MessageStatusCancelled,
		models.MessageStatusCancelled,
	}, messageStatuses(t, db, seq.ID))

	reloaded := reloadSequence(t, db, seq.ID)
	assert.Equal(t, models.SequenceStatusCancelledReply, reloaded.Status)
	assert.NotNil(t, reloaded.CancelledAt)

	select {
	case e := <-events:
		assert.Equal(t, EventSequenceCancelled, e.Type)
		assert.Equal(t, seq.ID, e.SequenceID)
	default:
		t.Fatal("expected a sequence_cancelled event")
	}

	// A second sweep is a no-op
	fw.Sweep(now)
	assert.Empty(t, mailer.sent)
}

func TestSweepCancelsBeforeFirstMessageIsDue(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	replies := &fakeReplies{replied: map[string]bool{"<orig@test>": true}}
	fw := testWorker(t, db, mailer, replies)

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 3, 5)

	// Reply arrives the same day the original went out
	now := sentAt.Add(4 * time.Hour)
	fw.Sweep(now)

	assert.Empty(t, mailer.sent)
	assert.Equal(t, models.SequenceStatusCancelledReply, reloadSequence(t, db, seq.ID).Status)
}

func TestSweepRetriesFailedSend(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{err: errors.New("smtp: connection refused")}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1, 2)

	now := sentAt.Add(1*24*time.Hour + time.Hour)
	fw.Sweep(now)

	var msg models.FollowUpMessage
	require.NoError(t, db.Where("sequence_id = ? AND sequence_number = 1", seq.ID).First(&msg).Error)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	assert.Equal(t, 1, msg.AttemptCount)
	require.NotNil(t, msg.LastError)
	assert.Contains(t, *msg.LastError, "connection refused")

	// Mailer recovers; the next sweep delivers it
	mailer.err = nil
	fw.Sweep(now.Add(time.Minute))

	require.Len(t, mailer.sent, 1)
	require.NoError(t, db.Where("sequence_id = ? AND sequence_number = 1", seq.ID).First(&msg).Error)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
}

// hookMailer runs a callback between the sweep's claim and the actual send,
// standing in for work that commits while a dispatch is on the wire.
type hookMailer struct {
	fakeMailer
	beforeSend func()
}

func (h *hookMailer) Send(mailboxID uint, email utils.OutgoingEmail) (string, error) {
	if h.beforeSend != nil {
		h.beforeSend()
	}
	return h.fakeMailer.Send(mailboxID, email)
}

func TestCancelDuringDispatchLeavesClaimedMessageSent(t *testing.T) {
	db := openTestDB(t)
	mailer := &hookMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})
	fm := utils.NewFollowUpManager(db, log.New(io.Discard, "", 0))

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1, 5)

	now := sentAt.Add(1*24*time.Hour + time.Hour)
	mailer.beforeSend = func() {
		// The user cancels while message 1's mail is in flight. The claim
		// keeps the cancel away from that row; the rest of the chain folds.
		_, err := fm.CancelSequence(seq.ID, seq.UserID, now)
		require.NoError(t, err)
	}

	fw.Sweep(now)

	// The dispatched message resolves truthfully to sent, never to a
	// cancelled row whose mail went out anyway.
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{
		models.MessageStatusSent,
		models.MessageStatusCancelled,
	}, messageStatuses(t, db, seq.ID))
	assert.Equal(t, models.SequenceStatusCancelledManual, reloadSequence(t, db, seq.ID).Status)

	// A later sweep sends nothing more
	mailer.beforeSend = nil
	fw.Sweep(now.Add(10 * 24 * time.Hour))
	assert.Len(t, mailer.sent, 1)
}

func TestSweepRequeuesStaleSendingClaims(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1)

	// A crashed sweep left its claim behind an hour ago
	now := sentAt.Add(2 * 24 * time.Hour)
	require.NoError(t, db.Model(&models.FollowUpMessage{}).
		Where("sequence_id = ?", seq.ID).
		UpdateColumns(map[string]interface{}{
			"status":     models.MessageStatusSending,
			"updated_at": now.Add(-time.Hour),
		}).Error)

	fw.Sweep(now)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{models.MessageStatusSent}, messageStatuses(t, db, seq.ID))
}

func TestSweepLeavesFreshSendingClaimsAlone(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1)

	// Another sweep claimed this row moments ago; ours must not double-send
	now := sentAt.Add(2 * 24 * time.Hour)
	require.NoError(t, db.Model(&models.FollowUpMessage{}).
		Where("sequence_id = ?", seq.ID).
		UpdateColumns(map[string]interface{}{
			"status":     models.MessageStatusSending,
			"updated_at": now.Add(-time.Minute),
		}).Error)

	fw.Sweep(now)

	assert.Empty(t, mailer.sent)
	assert.Equal(t, []string{models.MessageStatusSending}, messageStatuses(t, db, seq.ID))
	assert.Equal(t, models.SequenceStatusActive, reloadSequence(t, db, seq.ID).Status)
}

func TestSweepSkipsSequenceOnDetectionFailure(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	replies := &fakeReplies{err: errors.New("imap: connection reset")}
	fw := testWorker(t, db, mailer, replies)

	sentAt := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1)

	// Message 1 is due, but the reply check cannot be trusted: nothing is
	// sent and nothing is cancelled.
	now := sentAt.Add(2 * 24 * time.Hour)
	fw.Sweep(now)

	assert.Empty(t, mailer.sent)
	assert.Equal(t, []string{models.MessageStatusPending}, messageStatuses(t, db, seq.ID))
	assert.Equal(t, models.SequenceStatusActive, reloadSequence(t, db, seq.ID).Status)

	// Detection recovers on a later pass
	replies.err = nil
	fw.Sweep(now)
	assert.Len(t, mailer.sent, 1)
}

func TestSweepDispatchesQueuedAnchorAndActivates(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	scheduledAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	email := models.OutboundEmail{
		UserID:      1,
		MailboxID:   1,
		ToEmail:     "ana@example.com",
		Subject:     "Intro",
		BodyHTML:    "<p>Hello</p>",
		Status:      models.OutboundStatusQueued,
		ScheduledAt: &scheduledAt,
	}
	require.NoError(t, db.Create(&email).Error)

	seq := models.FollowUpSequence{
		UserID:         1,
		MailboxID:      1,
		QueuedEmailID:  &email.ID,
		RecipientEmail: "ana@example.com",
		Timezone:       "UTC",
		Status:         models.SequenceStatusActive,
	}
	require.NoError(t, db.Create(&seq).Error)
	require.NoError(t, db.Create(&models.FollowUpMessage{
		SequenceID:     seq.ID,
		SequenceNumber: 1,
		SendAfterDays:  2,
		SendTime:       "09:00",
		Subject:        "Follow-up 1",
		BodyHTML:       "<p>Checking in.</p>",
		Status:         models.MessageStatusPending,
	}).Error)

	now := scheduledAt.Add(time.Hour)
	fw.Sweep(now)

	// The anchor email went out and the sequence picked up its identifiers
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "Intro", mailer.sent[0].Email.Subject)

	reloaded := reloadSequence(t, db, seq.ID)
	require.NotNil(t, reloaded.OriginalSentAt)
	assert.Equal(t, "<fake-1@test>", reloaded.OriginalMessageID)
	assert.Equal(t, "<fake-1@test>", reloaded.ThreadID)

	// Two days later the follow-up itself goes out, threaded on the anchor
	fw.Sweep(now.Add(2*24*time.Hour + 9*time.Hour))
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, "Follow-up 1", mailer.sent[1].Email.Subject)
	assert.Equal(t, "<fake-1@test>", mailer.sent[1].Email.InReplyTo)
}

func TestSweepUsesSequenceTimezone(t *testing.T) {
	db := openTestDB(t)
	mailer := &fakeMailer{}
	fw := testWorker(t, db, mailer, &fakeReplies{})

	// Original sent 23:00 UTC on March 10, which is already March 11 in
	// Tokyo. Day offset 1 in Tokyo means March 12 09:00 JST = March 12
	// 00:00 UTC.
	sentAt := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	seq := seedSequence(t, db, sentAt, 1)
	require.NoError(t, db.Model(seq).Update("timezone", "Asia/Tokyo").Error)

	fw.Sweep(time.Date(2025, 3, 11, 23, 30, 0, 0, time.UTC))
	assert.Empty(t, mailer.sent)

	fw.Sweep(time.Date(2025, 3, 12, 0, 30, 0, 0, time.UTC))
	assert.Len(t, mailer.sent, 1)
}
