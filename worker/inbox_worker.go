package worker

import (
	"context"
	"log"
	"time"

	"touchbase/utils"

	"gorm.io/gorm"
)

// InboxWorker periodically syncs every configured mailbox from IMAP so
// reply detection works against fresh data.
type InboxWorker struct {
	db       *gorm.DB
	syncer   *utils.InboxSyncer
	logger   *log.Logger
	Interval time.Duration
}

func NewInboxWorker(db *gorm.DB, logger *log.Logger) *InboxWorker {
	return &InboxWorker{
		db:       db,
		syncer:   utils.NewInboxSyncer(db, logger),
		logger:   logger,
		Interval: 5 * time.Minute,
	}
}

func (iw *InboxWorker) Start(ctx context.Context) {
	iw.logger.Println("Inbox worker started")

	ticker := time.NewTicker(iw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			iw.logger.Println("Inbox worker shutting down...")
			return
		case <-ticker.C:
			if err := iw.syncer.SyncAllMailboxes(); err != nil {
				iw.logger.Printf("Inbox sync failed: %v", err)
			}
		}
	}
}
