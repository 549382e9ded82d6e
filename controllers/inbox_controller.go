package controller

import (
	"log"
	"strconv"

	"touchbase/models"
	"touchbase/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type InboxController struct {
	db     *gorm.DB
	logger *log.Logger
	syncer *utils.InboxSyncer
}

func NewInboxController(db *gorm.DB, logger *log.Logger) *InboxController {
	return &InboxController{
		db:     db,
		logger: logger,
		syncer: utils.NewInboxSyncer(db, logger),
	}
}

// SyncMailboxes pulls new mail for the current user's mailboxes on demand.
func (ic *InboxController) SyncMailboxes(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	if err := ic.syncer.SyncUserMailboxes(user.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to sync mailboxes",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Mailbox sync completed",
	})
}

// GetThread returns the synced messages of one conversation, oldest first,
// for the thread view under a follow-up sequence.
func (ic *InboxController) GetThread(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	threadID := c.Query("thread_id")

	if threadID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "thread_id is required",
		})
	}

	var emails []models.ThreadEmail
	if err := ic.db.Where("user_id = ? AND thread_id = ?", user.ID, threadID).
		Order("date ASC").Find(&emails).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch thread",
		})
	}

	return c.JSON(emails)
}

// GetThreadEmails lists the user's synced inbox, newest first.
func (ic *InboxController) GetThreadEmails(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	search := c.Query("search")

	query := ic.db.Model(&models.ThreadEmail{}).Where("user_id = ?", user.ID)
	if search != "" {
		query = query.Where("subject LIKE ? OR body LIKE ?", "%"+search+"%", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count emails",
		})
	}

	var emails []models.ThreadEmail
	offset := (page - 1) * limit
	if err := query.Order("date DESC").Offset(offset).Limit(limit).Find(&emails).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch emails",
		})
	}

	return c.JSON(fiber.Map{
		"data":  emails,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}
