package utils

import (
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"touchbase/models"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

// OutgoingEmail is a single message handed to the mailer. InReplyTo and
// References carry the thread anchor so follow-ups land as in-thread
// replies in the recipient's client.
type OutgoingEmail struct {
	To         string
	ToName     string
	CC         []string
	BCC        []string
	Subject    string
	BodyHTML   string
	InReplyTo  string
	References string
}

// Mailer dispatches one email through the given mailbox and returns the
// Message-ID it was sent with. The sweep worker depends on this interface
// only, so tests can swap in a recording fake.
type Mailer interface {
	Send(mailboxID uint, email OutgoingEmail) (string, error)
}

// FollowUpMailer sends through the mailbox's own SMTP credentials.
type FollowUpMailer struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewFollowUpMailer(db *gorm.DB, logger *log.Logger) *FollowUpMailer {
	return &FollowUpMailer{
		db:     db,
		logger: logger,
	}
}

func (fm *FollowUpMailer) Send(mailboxID uint, email OutgoingEmail) (string, error) {
	var mailbox models.Mailbox
	if err := fm.db.First(&mailbox, mailboxID).Error; err != nil {
		return "", fmt.Errorf("failed to fetch mailbox SMTP config: %w", err)
	}

	password, err := Decrypt(mailbox.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	dialer := gomail.NewDialer(
		mailbox.SMTPHost,
		mailbox.SMTPPort,
		mailbox.SMTPUsername,
		password,
	)
	dialer.TLSConfig = &tls.Config{ServerName: mailbox.SMTPHost}

	messageID := mintMessageID(mailbox.FromEmail)

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", mailbox.FromName, mailbox.FromEmail))
	if email.ToName != "" {
		m.SetHeader("To", fmt.Sprintf("%s <%s>", email.ToName, email.To))
	} else {
		m.SetHeader("To", email.To)
	}
	if len(email.CC) > 0 {
		m.SetHeader("Cc", email.CC...)
	}
	if len(email.BCC) > 0 {
		m.SetHeader("Bcc", email.BCC...)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("Date", time.Now().Format(time.RFC1123Z))
	if email.InReplyTo != "" {
		m.SetHeader("In-Reply-To", email.InReplyTo)
	}
	if email.References != "" {
		m.SetHeader("References", email.References)
	}
	m.SetBody("text/html", email.BodyHTML)

	if err := dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}

	if err := fm.db.Model(&mailbox).Updates(map[string]interface{}{
		"sent_today": gorm.Expr("sent_today + ?", 1),
		"total_sent": gorm.Expr("total_sent + ?", 1),
	}).Error; err != nil {
		fm.logger.Printf("Failed to update mailbox counters for %d: %v", mailbox.ID, err)
	}

	return messageID, nil
}

func mintMessageID(fromEmail string) string {
	domain := "localhost"
	if parts := strings.SplitN(fromEmail, "@", 2); len(parts) == 2 && parts[1] != "" {
		domain = parts[1]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
