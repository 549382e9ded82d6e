package controller

import (
	"time"

	"touchbase/models"
	"touchbase/utils"

	"github.com/gofiber/fiber/v2"
)

type CreateFollowUpRequest struct {
	MailboxID         uint                  `json:"mailbox_id" validate:"required"`
	ThreadID          string                `json:"thread_id"`
	OriginalMessageID string                `json:"original_message_id"`
	QueuedEmailID     *uint                 `json:"queued_email_id"`
	RecipientEmail    string                `json:"recipient_email" validate:"required,email"`
	RecipientName     string                `json:"recipient_name" validate:"omitempty,max=200"`
	OriginalSubject   string                `json:"original_subject"`
	OriginalSentAt    *time.Time            `json:"original_sent_at"`
	Messages          []utils.FollowUpDraft `json:"messages" validate:"required,min=1"`
}

// CreateSequence schedules a chain of follow-ups off a sent email, or off a
// queued one that the sweep will dispatch first.
func (fc *FollowUpController) CreateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateFollowUpRequest
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
	if err := utils.ValidateEmailAddress(req.RecipientEmail); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var mailbox models.Mailbox
	if err := fc.DB.Where("id = ? AND user_id = ?", req.MailboxID, user.ID).First(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	input := utils.CreateSequenceInput{
		UserID:            user.ID,
		MailboxID:         mailbox.ID,
		ThreadID:          req.ThreadID,
		OriginalMessageID: req.OriginalMessageID,
		QueuedEmailID:     req.QueuedEmailID,
		RecipientEmail:    req.RecipientEmail,
		RecipientName:     req.RecipientName,
		OriginalSubject:   req.OriginalSubject,
		OriginalSentAt:    req.OriginalSentAt,
		Timezone:          user.Timezone,
		Drafts:            req.Messages,
	}

	if req.QueuedEmailID != nil {
		// Anchor to a queued outbound email: the anchor fields are stamped
		// by the sweep once the email actually goes out.
		var email models.OutboundEmail
		if err := fc.DB.Where("id = ? AND user_id = ?", *req.QueuedEmailID, user.ID).First(&email).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Queued email not found",
			})
		}
		if email.Status == models.OutboundStatusSent {
			input.OriginalSentAt = email.SentAt
			input.ThreadID = email.ThreadID
			input.OriginalMessageID = email.MessageID
		}
		if input.OriginalSubject == "" {
			input.OriginalSubject = email.Subject
		}
	} else if req.OriginalSentAt == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Either original_sent_at or queued_email_id is required",
		})
	}

	sequence, err := fc.Manager.CreateSequence(input, time.Now())
	if err != nil {
		return sequenceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(sequence)
}
