package controller

import (
	"time"

	"touchbase/models"
	"touchbase/utils"

	"github.com/gofiber/fiber/v2"
)

type EditFollowUpRequest struct {
	Messages []utils.FollowUpDraft `json:"messages" validate:"required,min=1"`
}

// EditSequence replaces the pending message set of a sequence. Sent and
// cancelled messages are untouched; a sequence whose pending set already
// resolved comes back as a conflict.
func (fc *FollowUpController) EditSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sequenceID := utils.ParseUint(c.Params("id"))

	var req EditFollowUpRequest
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

	sequence, err := fc.Manager.EditSequence(sequenceID, user.ID, req.Messages, time.Now())
	if err != nil {
		return sequenceError(c, err)
	}

	return c.JSON(sequence)
}

// CancelSequence is the user-initiated cancellation: every pending message
// is resolved to cancelled and the sequence ends as cancelled_manual, which
// keeps it distinct from reply-driven cancellation in the history views.
func (fc *FollowUpController) CancelSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sequenceID := utils.ParseUint(c.Params("id"))

	sequence, err := fc.Manager.CancelSequence(sequenceID, user.ID, time.Now())
	if err != nil {
		return sequenceError(c, err)
	}

	return c.JSON(sequence)
}
