package controller

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"touchbase/config"
	"touchbase/models"
	"touchbase/utils"

	"github.com/emersion/go-imap/client"
	"github.com/gofiber/fiber/v2"
)

type CreateMailboxRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required,max=100"`

	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required"`
	Encryption   string `json:"encryption" validate:"required,oneof=SSL TLS STARTTLS NONE"`

	IMAPHost       string `json:"imap_host" validate:"omitempty"`
	IMAPPort       int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string `json:"imap_username" validate:"omitempty"`
	IMAPPassword   string `json:"imap_password" validate:"omitempty"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    string `json:"imap_mailbox" validate:"omitempty"`
}

type UpdateMailboxRequest struct {
	Name      *string `json:"name" validate:"omitempty,max=100"`
	FromEmail *string `json:"from_email" validate:"omitempty,email"`
	FromName  *string `json:"from_name" validate:"omitempty,max=100"`

	SMTPHost     *string `json:"smtp_host"`
	SMTPPort     *int    `json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUsername *string `json:"smtp_username"`
	SMTPPassword *string `json:"smtp_password"`
	Encryption   *string `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`

	IMAPHost       *string `json:"imap_host"`
	IMAPPort       *int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   *string `json:"imap_username"`
	IMAPPassword   *string `json:"imap_password"`
	IMAPEncryption *string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    *string `json:"imap_mailbox"`
}

type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func CreateMailbox(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateMailboxRequest
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

	// Encrypt sensitive data
	encryptedSMTPPassword, err := utils.Encrypt(req.SMTPPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt SMTP password",
		})
	}

	encryptedIMAPPassword, err := utils.Encrypt(req.IMAPPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt IMAP password",
		})
	}

	mailbox := models.Mailbox{
		UserID:         user.ID,
		Name:           req.Name,
		FromEmail:      req.FromEmail,
		FromName:       req.FromName,
		SMTPHost:       req.SMTPHost,
		SMTPPort:       req.SMTPPort,
		SMTPUsername:   req.SMTPUsername,
		SMTPPassword:   encryptedSMTPPassword,
		Encryption:     req.Encryption,
		IMAPHost:       req.IMAPHost,
		IMAPPort:       req.IMAPPort,
		IMAPUsername:   req.IMAPUsername,
		IMAPPassword:   encryptedIMAPPassword,
		IMAPEncryption: req.IMAPEncryption,
		IMAPMailbox:    req.IMAPMailbox,
	}

	if err := config.DB.Create(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create mailbox",
		})
	}

	// Sanitize before returning
	mailbox.Sanitize()

	return c.Status(fiber.StatusCreated).JSON(mailbox)
}

func GetMailboxes(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var mailboxes []models.Mailbox
	if err := config.DB.Where("user_id = ?", user.ID).Find(&mailboxes).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch mailboxes",
		})
	}

	for i := range mailboxes {
		mailboxes[i].Sanitize()
	}

	return c.JSON(mailboxes)
}

func validateMailboxID(id string) error {
	if id == "" || id == "undefined" {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid mailbox ID")
	}
	if _, err := strconv.Atoi(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Mailbox ID must be numeric")
	}
	return nil
}

func GetMailbox(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	mailboxID := c.Params("id")

	if err := validateMailboxID(mailboxID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var mailbox models.Mailbox
	if err := config.DB.Where("id = ? AND user_id = ?", mailboxID, user.ID).First(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	mailbox.Sanitize()
	return c.JSON(mailbox)
}

func UpdateMailbox(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	mailboxID := c.Params("id")

	if err := validateMailboxID(mailboxID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var req UpdateMailboxRequest
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

	var mailbox models.Mailbox
	if err := config.DB.Where("id = ? AND user_id = ?", mailboxID, user.ID).First(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	// Update fields
	if req.Name != nil {
		mailbox.Name = *req.Name
	}
	if req.FromEmail != nil {
		mailbox.FromEmail = *req.FromEmail
	}
	if req.FromName != nil {
		mailbox.FromName = *req.FromName
	}
	if req.SMTPHost != nil {
		mailbox.SMTPHost = *req.SMTPHost
		mailbox.SMTPVerified = false
	}
	if req.SMTPPort != nil {
		mailbox.SMTPPort = *req.SMTPPort
		mailbox.SMTPVerified = false
	}
	if req.SMTPUsername != nil {
		mailbox.SMTPUsername = *req.SMTPUsername
		mailbox.SMTPVerified = false
	}
	if req.SMTPPassword != nil {
		encrypted, err := utils.Encrypt(*req.SMTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to encrypt SMTP password",
			})
		}
		mailbox.SMTPPassword = encrypted
		mailbox.SMTPVerified = false
	}
	if req.Encryption != nil {
		mailbox.Encryption = *req.Encryption
	}
	if req.IMAPHost != nil {
		mailbox.IMAPHost = *req.IMAPHost
		mailbox.IMAPVerified = false
	}
	if req.IMAPPort != nil {
		mailbox.IMAPPort = *req.IMAPPort
		mailbox.IMAPVerified = false
	}
	if req.IMAPUsername != nil {
		mailbox.IMAPUsername = *req.IMAPUsername
		mailbox.IMAPVerified = false
	}
	if req.IMAPPassword != nil {
		encrypted, err := utils.Encrypt(*req.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to encrypt IMAP password",
			})
		}
		mailbox.IMAPPassword = encrypted
		mailbox.IMAPVerified = false
	}
	if req.IMAPEncryption != nil {
		mailbox.IMAPEncryption = *req.IMAPEncryption
	}
	if req.IMAPMailbox != nil {
		mailbox.IMAPMailbox = *req.IMAPMailbox
	}

	if err := config.DB.Save(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update mailbox",
		})
	}

	mailbox.Sanitize()
	return c.JSON(mailbox)
}

func DeleteMailbox(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	mailboxID := c.Params("id")

	if err := validateMailboxID(mailboxID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var mailbox models.Mailbox
	if err := config.DB.Where("id = ? AND user_id = ?", mailboxID, user.ID).First(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	// Active sequences still point at this mailbox; refuse rather than orphan them
	var activeSequences int64
	if err := config.DB.Model(&models.FollowUpSequence{}).
		Where("mailbox_id = ? AND status = ?", mailbox.ID, models.SequenceStatusActive).
		Count(&activeSequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to check mailbox usage",
		})
	}
	if activeSequences > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Mailbox has active follow-up sequences; cancel them first",
		})
	}

	if err := config.DB.Delete(&mailbox).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete mailbox",
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func TestMailbox(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	mailboxID := c.Params("id")

	if err := validateMailboxID(mailboxID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var mailbox models.Mailbox
	if err := config.DB.Where("id = ? AND user_id = ?", mailboxID, user.ID).First(&mailbox).Error; err != nil {
		utils.LogError("mailbox_not_found", err, map[string]interface{}{
			"user_id":    user.ID,
			"mailbox_id": mailboxID,
		})
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Mailbox not found",
		})
	}

	smtpPassword, err := utils.Decrypt(mailbox.SMTPPassword)
	if err != nil {
		utils.LogError("decrypt_failed", err, map[string]interface{}{
			"operation":  "SMTP password decryption",
			"mailbox_id": mailbox.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to decrypt SMTP password",
		})
	}

	var testResults struct {
		SMTP TestResult `json:"smtp"`
		IMAP TestResult `json:"imap"`
	}

	if mailbox.SMTPHost != "" {
		testResults.SMTP = testSMTPConnection(mailbox, smtpPassword)
	}
	if mailbox.IMAPHost != "" {
		testResults.IMAP = testIMAPConnection(mailbox)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"smtp_verified":  testResults.SMTP.Success,
		"last_tested_at": &now,
	}
	if mailbox.IMAPHost != "" {
		updates["imap_verified"] = testResults.IMAP.Success
	}
	if !testResults.SMTP.Success {
		updates["last_error"] = &testResults.SMTP.Error
	} else if mailbox.IMAPHost != "" && !testResults.IMAP.Success {
		updates["last_error"] = &testResults.IMAP.Error
	} else {
		updates["last_error"] = nil
	}

	if err := config.DB.Model(&mailbox).Updates(updates).Error; err != nil {
		utils.LogError("update_verification_failed", err, map[string]interface{}{
			"mailbox_id": mailbox.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update verification status",
		})
	}

	utils.LogEvent("mailbox_test_completed", map[string]interface{}{
		"mailbox_id":   mailbox.ID,
		"smtp_success": testResults.SMTP.Success,
		"imap_success": testResults.IMAP.Success,
	})

	return c.JSON(fiber.Map{
		"message": "Mailbox test completed",
		"results": testResults,
	})
}

func testSMTPConnection(mailbox models.Mailbox, password string) TestResult {
	result := TestResult{Success: false}

	logContext := map[string]interface{}{
		"smtp_host": mailbox.SMTPHost,
		"smtp_port": mailbox.SMTPPort,
		"username":  mailbox.SMTPUsername,
	}

	smtpAddr := fmt.Sprintf("%s:%d", mailbox.SMTPHost, mailbox.SMTPPort)

	var auth smtp.Auth
	if mailbox.SMTPUsername != "" && password != "" {
		auth = smtp.PlainAuth("", mailbox.SMTPUsername, password, mailbox.SMTPHost)
	}

	switch strings.ToUpper(mailbox.Encryption) {
	case "SSL", "TLS":
		tlsConfig := &tls.Config{
			InsecureSkipVerify: false,
			ServerName:         mailbox.SMTPHost,
		}

		conn, err := tls.Dial("tcp", smtpAddr, tlsConfig)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to establish TLS connection: %v", err)
			utils.LogError("smtp_tls_connection", err, logContext)
			return result
		}
		defer conn.Close()

		client, err := smtp.NewClient(conn, mailbox.SMTPHost)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to create SMTP client: %v", err)
			utils.LogError("smtp_client_creation", err, logContext)
			return result
		}
		defer client.Close()

		if auth != nil {
			if err := client.Auth(auth); err != nil {
				result.Error = fmt.Sprintf("SMTP authentication failed: %v", err)
				utils.LogError("smtp_authentication", err, logContext)
				return result
			}
		}
		result.Success = true

	case "STARTTLS":
		client, err := smtp.Dial(smtpAddr)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to connect to SMTP server: %v", err)
			utils.LogError("smtp_connection", err, logContext)
			return result
		}
		defer client.Close()

		if err := client.StartTLS(&tls.Config{
			InsecureSkipVerify: false,
			ServerName:         mailbox.SMTPHost,
		}); err != nil {
			result.Error = fmt.Sprintf("Failed to start TLS: %v", err)
			utils.LogError("smtp_starttls", err, logContext)
			return result
		}

		if auth != nil {
			if err := client.Auth(auth); err != nil {
				result.Error = fmt.Sprintf("SMTP authentication failed: %v", err)
				utils.LogError("smtp_authentication", err, logContext)
				return result
			}
		}
		result.Success = true

	default:
		// No encryption
		client, err := smtp.Dial(smtpAddr)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to connect to SMTP server: %v", err)
			utils.LogError("smtp_connection", err, logContext)
			return result
		}
		defer client.Close()

		if auth != nil {
			if err := client.Auth(auth); err != nil {
				result.Error = fmt.Sprintf("SMTP authentication failed: %v", err)
				utils.LogError("smtp_authentication", err, logContext)
				return result
			}
		}
		result.Success = true
	}

	utils.LogEvent("smtp_test_success", logContext)
	return result
}

func testIMAPConnection(mailbox models.Mailbox) TestResult {
	result := TestResult{Success: false}

	logContext := map[string]interface{}{
		"imap_host": mailbox.IMAPHost,
		"imap_port": mailbox.IMAPPort,
		"username":  mailbox.IMAPUsername,
	}

	imapPassword, err := utils.Decrypt(mailbox.IMAPPassword)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to decrypt IMAP password: %v", err)
		utils.LogError("imap_password_decrypt", err, logContext)
		return result
	}

	imapAddr := fmt.Sprintf("%s:%d", mailbox.IMAPHost, mailbox.IMAPPort)
	var c *client.Client

	switch strings.ToUpper(mailbox.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(imapAddr, &tls.Config{
			InsecureSkipVerify: false,
			ServerName:         mailbox.IMAPHost,
		})
	case "STARTTLS":
		c, err = client.Dial(imapAddr)
		if err == nil {
			err = c.StartTLS(&tls.Config{
				InsecureSkipVerify: false,
				ServerName:         mailbox.IMAPHost,
			})
		}
	default:
		c, err = client.Dial(imapAddr)
	}

	if err != nil {
		result.Error = fmt.Sprintf("Failed to connect to IMAP server: %v", err)
		utils.LogError("imap_connection", err, logContext)
		return result
	}
	defer c.Logout()

	c.Timeout = 10 * time.Second

	if err := c.Login(mailbox.IMAPUsername, imapPassword); err != nil {
		result.Error = fmt.Sprintf("IMAP authentication failed: %v", err)
		utils.LogError("imap_authentication", err, logContext)
		return result
	}

	if mailbox.IMAPMailbox != "" {
		_, err = c.Select(mailbox.IMAPMailbox, false)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to select mailbox: %v", err)
			utils.LogError("imap_mailbox_select", err, logContext)
			return result
		}
	}

	result.Success = true
	utils.LogEvent("imap_test_success", logContext)
	return result
}
