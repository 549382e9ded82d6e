package utils

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"touchbase/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Shared cache keeps the in-memory database alive across the pooled
	// connections gorm opens; the name isolates parallel tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testManager(t *testing.T) *FollowUpManager {
	t.Helper()
	return NewFollowUpManager(openTestDB(t), log.New(io.Discard, "", 0))
}

func testDrafts(delays ...int) []FollowUpDraft {
	drafts := make([]FollowUpDraft, len(delays))
	for i, d := range delays {
		drafts[i] = FollowUpDraft{
			RelativeDelayDays: d,
			SendTime:          "09:00",
			Subject:           fmt.Sprintf("Follow-up %d", i+1),
			BodyHTML:          "<p>Just checking in.</p>",
		}
	}
	return drafts
}

func TestCreateSequence(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:            1,
		MailboxID:         1,
		ThreadID:          "<orig@example.com>",
		OriginalMessageID: "<orig@example.com>",
		RecipientEmail:    "ana@example.com",
		OriginalSentAt:    &sentAt,
		Timezone:          "America/New_York",
		Drafts:            testDrafts(3, 2, 4),
	}, now)
	require.NoError(t, err)

	assert.Equal(t, models.SequenceStatusActive, seq.Status)
	assert.Equal(t, "America/New_York", seq.Timezone)
	require.Len(t, seq.Messages, 3)

	// Relative delays [3,2,4] persist as absolute offsets [3,5,9]
	for i, want := range []int{3, 5, 9} {
		m := seq.Messages[i]
		assert.Equal(t, i+1, m.SequenceNumber)
		assert.Equal(t, want, m.SendAfterDays)
		assert.Equal(t, models.MessageStatusPending, m.Status)
	}
}

func TestCreateSequenceValidationWritesNothing(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	drafts := testDrafts(3, 2)
	drafts[1].Subject = "  "

	_, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         drafts,
	}, now)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Index)

	var sequences, messages int64
	fm.DB.Model(&models.FollowUpSequence{}).Count(&sequences)
	fm.DB.Model(&models.FollowUpMessage{}).Count(&messages)
	assert.Zero(t, sequences)
	assert.Zero(t, messages)
}

func TestEditSequencePreservesHistory(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         testDrafts(3, 2),
	}, now)
	require.NoError(t, err)

	// First message goes out on day 3
	firstID := seq.Messages[0].ID
	sentOn := sentAt.Add(3 * 24 * time.Hour)
	require.NoError(t, fm.DB.Model(&models.FollowUpMessage{}).
		Where("id = ?", firstID).
		Updates(map[string]interface{}{"status": models.MessageStatusSent, "sent_at": sentOn}).Error)

	// User pushes the remaining follow-up out to day 7
	later := now.Add(3 * 24 * time.Hour)
	edited, err := fm.EditSequence(seq.ID, 1, testDrafts(7), later)
	require.NoError(t, err)

	require.Len(t, edited.Messages, 2)
	assert.Equal(t, models.MessageStatusSent, edited.Messages[0].Status)
	assert.Equal(t, 1, edited.Messages[0].SequenceNumber)
	assert.Equal(t, 3, edited.Messages[0].SendAfterDays)

	assert.Equal(t, models.MessageStatusPending, edited.Messages[1].Status)
	assert.Equal(t, 2, edited.Messages[1].SequenceNumber)
	assert.Equal(t, 7, edited.Messages[1].SendAfterDays)
}

func TestEditSequenceStretchesLaterDelay(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	// Delays [3,2] store as absolute days [3,5]
	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         testDrafts(3, 2),
	}, now)
	require.NoError(t, err)

	// Both still pending; the user stretches the second gap from 2 to 4
	// days. The first follow-up keeps its day and the second lands on day 7.
	edited, err := fm.EditSequence(seq.ID, 1, testDrafts(3, 4), now)
	require.NoError(t, err)

	require.Len(t, edited.Messages, 2)
	for i, want := range []int{3, 7} {
		m := edited.Messages[i]
		assert.Equal(t, i+1, m.SequenceNumber)
		assert.Equal(t, want, m.SendAfterDays)
		assert.Equal(t, models.MessageStatusPending, m.Status)
	}
}

func TestEditSequenceLeavesInFlightMessageAlone(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         testDrafts(3, 2),
	}, now)
	require.NoError(t, err)

	// The sweep has claimed message 1; its mail may be on the wire
	require.NoError(t, fm.DB.Model(&models.FollowUpMessage{}).
		Where("id = ?", seq.Messages[0].ID).
		Update("status", models.MessageStatusSending).Error)

	edited, err := fm.EditSequence(seq.ID, 1, testDrafts(7), now)
	require.NoError(t, err)

	// Only the pending message was replaced; the claimed one is untouched
	require.Len(t, edited.Messages, 2)
	assert.Equal(t, seq.Messages[0].ID, edited.Messages[0].ID)
	assert.Equal(t, models.MessageStatusSending, edited.Messages[0].Status)
	assert.Equal(t, 3, edited.Messages[0].SendAfterDays)

	assert.Equal(t, 2, edited.Messages[1].SequenceNumber)
	assert.Equal(t, 7, edited.Messages[1].SendAfterDays)
	assert.Equal(t, models.MessageStatusPending, edited.Messages[1].Status)
}

func TestEditSequenceConflictWhenNoPending(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         testDrafts(3),
	}, now)
	require.NoError(t, err)

	// The sweep resolves the only message before the edit lands
	require.NoError(t, fm.DB.Model(&models.FollowUpMessage{}).
		Where("id = ?", seq.Messages[0].ID).
		Update("status", models.MessageStatusSent).Error)

	_, err = fm.EditSequence(seq.ID, 1, testDrafts(5), now)
	assert.ErrorIs(t, err, models.ErrSequenceConflict)
}

func TestEditSequenceScopedToOwner(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         testDrafts(3),
	}, now)
	require.NoError(t, err)

	_, err = fm.EditSequence(seq.ID, 2, testDrafts(5), now)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCancelSequence(t *testing.T) {
	fm := testManager(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-2 * time.Hour)

	seq, err := fm.CreateSequence(CreateSequenceInput{
		UserID:         1,
		MailboxID:      1,
		RecipientEmail: "ana@example.com",
		OriginalSentAt: &sentAt,
		Drafts:         testDrafts(3, 2),
	}, now)
	require.NoError(t, err)

	cancelled, err := fm.CancelSequence(seq.ID, 1, now)
	require.NoError(t, err)

	assert.Equal(t, models.SequenceStatusCancelledManual, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	for _, m := range cancelled.Messages {
		assert.Equal(t, models.MessageStatusCancelled, m.Status)
	}

	// Cancelling again reports the conflict
	_, err = fm.CancelSequence(seq.ID, 1, now)
	assert.ErrorIs(t, err, models.ErrSequenceConflict)
}

func TestRelativeDelays(t *testing.T) {
	messages := []models.FollowUpMessage{
		{SendAfterDays: 3},
		{SendAfterDays: 5},
		{SendAfterDays: 9},
	}
	assert.Equal(t, []int{3, 2, 4}, RelativeDelays(messages))
}
