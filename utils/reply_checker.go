package utils

import (
	"strings"
	"time"

	"touchbase/models"

	"gorm.io/gorm"
)

// ReplyDetector answers the one question the sweep needs: has the original
// recipient replied on this thread since the given instant? The detector
// must distinguish the recipient's replies from the owner's own outbound
// mail on the thread, since further outbound messages never count as a reply.
type ReplyDetector interface {
	HasReplySince(userID uint, threadID, recipient string, since time.Time) (bool, error)
}

// ThreadReplyChecker runs the check against the synced thread_emails table,
// which the inbox worker keeps current from IMAP.
type ThreadReplyChecker struct {
	db *gorm.DB
}

func NewThreadReplyChecker(db *gorm.DB) *ThreadReplyChecker {
	return &ThreadReplyChecker{db: db}
}

func (rc *ThreadReplyChecker) HasReplySince(userID uint, threadID, recipient string, since time.Time) (bool, error) {
	if threadID == "" {
		return false, nil
	}

	var count int64
	err := rc.db.Model(&models.ThreadEmail{}).
		Where("user_id = ? AND thread_id = ?", userID, threadID).
		Where("date > ?", since).
		Where("from_email = ?", strings.ToLower(strings.TrimSpace(recipient))).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
