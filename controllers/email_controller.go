package controller

import (
	"log"
	"strconv"
	"time"

	"touchbase/models"
	"touchbase/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type EmailController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Mailer utils.Mailer
}

func NewEmailController(db *gorm.DB, logger *log.Logger, mailer utils.Mailer) *EmailController {
	return &EmailController{
		DB:     db,
		Logger: logger,
		Mailer: mailer,
	}
}

type SendEmailRequest struct {
	MailboxID uint     `json:"mailbox_id" validate:"required"`
	To        string   `json:"to" validate:"required,email"`
	ToName    string   `json:"to_name" validate:"omitempty,max=200"`
	CC        []string `json:"cc" validate:"omitempty,dive,email"`
	BCC       []string `json:"bcc" validate:"omitempty,dive,email"`
	Subject   string   `json:"subject" validate:"required"`
	BodyHTML  string   `json:"body_html" validate:"required"`
}

type QueueEmailRequest struct {
	SendEmailRequest
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// SendEmail dispatches an email immediately and records it as a thread
// anchor follow-up sequences can attach to.
func (ec *EmailController) SendEmail(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req SendEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if utils.IsEmptyBody(req.BodyHTML) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Email body must not be empty",
		})
	}

	var mailbox models.Mailbox
	if err := ec.DB.Where("id = ? AND user_id = ?", req.MailboxID, user.ID).First(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	messageID, err := ec.Mailer.Send(mailbox.ID, utils.OutgoingEmail{
		To:       req.To,
		ToName:   req.ToName,
		CC:       req.CC,
		BCC:      req.BCC,
		Subject:  req.Subject,
		BodyHTML: req.BodyHTML,
	})
	if err != nil {
		utils.LogError("email_send_failed", err, map[string]interface{}{
			"user_id":    user.ID,
			"mailbox_id": mailbox.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to send email",
		})
	}

	email := models.OutboundEmail{
		UserID:    user.ID,
		MailboxID: mailbox.ID,
		MessageID: messageID,
		ThreadID:  messageID,
		ToEmail:   req.To,
		ToName:    req.ToName,
		Subject:   req.Subject,
		BodyHTML:  req.BodyHTML,
		Status:    models.OutboundStatusSent,
		SentAt:    utils.Pointer(time.Now()),
	}
	if err := ec.DB.Create(&email).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Email sent but failed to record it",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(email)
}

// QueueEmail records an email for the sweep to dispatch at its scheduled
// time. Follow-up sequences may anchor to the queued row before it is sent.
func (ec *EmailController) QueueEmail(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req QueueEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if utils.IsEmptyBody(req.BodyHTML) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Email body must not be empty",
		})
	}
	if req.ScheduledAt.Before(time.Now()) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "scheduled_at must be in the future",
		})
	}

	var mailbox models.Mailbox
	if err := ec.DB.Where("id = ? AND user_id = ?", req.MailboxID, user.ID).First(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	email := models.OutboundEmail{
		UserID:      user.ID,
		MailboxID:   mailbox.ID,
		ToEmail:     req.To,
		ToName:      req.ToName,
		Subject:     req.Subject,
		BodyHTML:    req.BodyHTML,
		Status:      models.OutboundStatusQueued,
		ScheduledAt: &req.ScheduledAt,
	}
	if err := ec.DB.Create(&email).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to queue email",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(email)
}

// GetOutboundEmails lists the user's sent and queued emails.
func (ec *EmailController) GetOutboundEmails(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	status := c.Query("status")

	query := ec.DB.Model(&models.OutboundEmail{}).Where("user_id = ?", user.ID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count emails",
		})
	}

	var emails []models.OutboundEmail
	offset := (page - 1) * limit
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&emails).Error; err != nil {
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
