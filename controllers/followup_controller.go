package controller

import (
	"errors"
	"log"
	"strconv"

	"touchbase/models"
	"touchbase/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type FollowUpController struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Manager *utils.FollowUpManager
}

func NewFollowUpController(db *gorm.DB, logger *log.Logger) *FollowUpController {
	return &FollowUpController{
		DB:      db,
		Logger:  logger,
		Manager: utils.NewFollowUpManager(db, logger),
	}
}

// GetSequences returns the user's follow-up sequences for list views
func (fc *FollowUpController) GetSequences(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	status := c.Query("status")

	query := fc.DB.Model(&models.FollowUpSequence{}).Where("user_id = ?", user.ID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count sequences",
		})
	}

	var sequences []models.FollowUpSequence
	offset := (page - 1) * limit
	if err := query.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_number ASC")
	}).Order("created_at DESC").Offset(offset).Limit(limit).Find(&sequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequences",
		})
	}

	return c.JSON(fiber.Map{
		"data":  sequences,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// GetSequence returns one sequence with its messages plus the relative
// delays of the pending set, which is what the edit UI works with.
func (fc *FollowUpController) GetSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sequenceID := c.Params("id")

	var sequence models.FollowUpSequence
	if err := fc.DB.Where("id = ? AND user_id = ?", sequenceID, user.ID).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_number ASC")
		}).
		First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var pending []models.FollowUpMessage
	for _, m := range sequence.Messages {
		if !m.Resolved() {
			pending = append(pending, m)
		}
	}

	return c.JSON(fiber.Map{
		"sequence":                sequence,
		"pending_relative_delays": utils.RelativeDelays(pending),
	})
}

// sequenceError maps domain errors onto HTTP responses: validation failures
// carry the offending draft index, conflicts tell the client to reload.
func sequenceError(c *fiber.Ctx, err error) error {
	var validationErr *utils.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": validationErr.Error(),
			"index": validationErr.Index,
			"field": validationErr.Field,
		})
	case errors.Is(err, models.ErrSequenceConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "This follow-up was already sent or cancelled",
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update follow-up sequence",
		})
	}
}
