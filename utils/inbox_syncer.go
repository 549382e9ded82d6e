package utils

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"touchbase/models"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"
)

// InboxSyncer pulls new messages from each mailbox's IMAP account into the
// thread_emails table, which is the source of truth for reply detection.
type InboxSyncer struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewInboxSyncer(db *gorm.DB, logger *log.Logger) *InboxSyncer {
	return &InboxSyncer{
		db:     db,
		logger: logger,
	}
}

// SyncAllMailboxes fetches mail for every mailbox with IMAP configured.
// Per-mailbox failures are logged and skipped so one broken account does
// not stall the rest.
func (is *InboxSyncer) SyncAllMailboxes() error {
	var mailboxes []models.Mailbox
	if err := is.db.Where("imap_host IS NOT NULL AND imap_host != ''").Find(&mailboxes).Error; err != nil {
		return fmt.Errorf("failed to fetch mailboxes: %w", err)
	}

	for i := range mailboxes {
		if err := is.SyncMailbox(&mailboxes[i]); err != nil {
			is.logger.Printf("Failed to sync mailbox %d: %v", mailboxes[i].ID, err)
			continue
		}
	}
	return nil
}

// SyncUserMailboxes fetches mail for one user's mailboxes.
func (is *InboxSyncer) SyncUserMailboxes(userID uint) error {
	var mailboxes []models.Mailbox
	if err := is.db.Where("user_id = ? AND imap_host IS NOT NULL AND imap_host != ''", userID).
		Find(&mailboxes).Error; err != nil {
		return fmt.Errorf("failed to fetch mailboxes: %w", err)
	}

	for i := range mailboxes {
		if err := is.SyncMailbox(&mailboxes[i]); err != nil {
			is.logger.Printf("Failed to sync mailbox %d: %v", mailboxes[i].ID, err)
			continue
		}
	}
	return nil
}

func (is *InboxSyncer) SyncMailbox(mailbox *models.Mailbox) error {
	password, err := Decrypt(mailbox.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	var imapClient *client.Client
	imapAddr := fmt.Sprintf("%s:%d", mailbox.IMAPHost, mailbox.IMAPPort)

	switch strings.ToUpper(mailbox.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{
			InsecureSkipVerify: false,
			ServerName:         mailbox.IMAPHost,
		})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				InsecureSkipVerify: false,
				ServerName:         mailbox.IMAPHost,
			})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(mailbox.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	folder := "INBOX"
	if mailbox.IMAPMailbox != "" {
		folder = mailbox.IMAPMailbox
	}

	if _, err := imapClient.Select(folder, true); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	if mailbox.LastSyncedAt != nil {
		// IMAP SINCE has day granularity; overlap a day and dedupe by
		// Message-ID on insert.
		criteria.Since = mailbox.LastSyncedAt.Add(-24 * time.Hour)
	} else {
		criteria.Since = time.Now().Add(-30 * 24 * time.Hour)
	}

	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}

	if len(ids) > 0 {
		seqset := new(imap.SeqSet)
		seqset.AddNum(ids...)

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)

		go func() {
			done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
		}()

		for msg := range messages {
			if err := is.storeMessage(msg, mailbox); err != nil {
				is.logger.Printf("Failed to store message %d: %v", msg.SeqNum, err)
				continue
			}
		}

		if err := <-done; err != nil {
			return fmt.Errorf("error during fetch: %w", err)
		}
	}

	return is.db.Model(mailbox).Update("last_synced_at", time.Now()).Error
}

func (is *InboxSyncer) storeMessage(msg *imap.Message, mailbox *models.Mailbox) error {
	if msg.Envelope == nil || msg.Envelope.MessageId == "" {
		return fmt.Errorf("message envelope missing")
	}

	var bodyText, bodyHTML, references string

	if msg.Body != nil {
		section := imap.BodySectionName{}
		literal, ok := msg.Body[&section]
		if !ok {
			return fmt.Errorf("message body not found")
		}

		mr, err := mail.CreateReader(literal)
		if err != nil {
			return fmt.Errorf("failed to create message reader: %w", err)
		}
		references = mr.Header.Get("References")

		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("failed to read next part: %w", err)
			}

			if h, ok := p.Header.(*mail.InlineHeader); ok {
				contentType, _, _ := h.ContentType()
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}

				if strings.Contains(contentType, "text/html") {
					bodyHTML = string(b)
				} else if strings.Contains(contentType, "text/plain") {
					bodyText = string(b)
				}
			}
		}
	}

	fromEmail, fromName := firstAddress(msg.Envelope.From)
	toEmail, _ := firstAddress(msg.Envelope.To)

	email := models.ThreadEmail{
		UserID:     mailbox.UserID,
		MailboxID:  mailbox.ID,
		MessageID:  msg.Envelope.MessageId,
		ThreadID:   ThreadIDFor(references, msg.Envelope.InReplyTo, msg.Envelope.MessageId),
		InReplyTo:  msg.Envelope.InReplyTo,
		References: references,
		FromEmail:  fromEmail,
		FromName:   fromName,
		ToEmail:    toEmail,
		Subject:    msg.Envelope.Subject,
		Body:       bodyText,
		BodyHTML:   bodyHTML,
		Date:       msg.Envelope.Date,
	}

	// Dedupe on (user, message id): the SINCE window overlaps between runs.
	return is.db.Where("user_id = ? AND message_id = ?", email.UserID, email.MessageID).
		FirstOrCreate(&email).Error
}

// ThreadIDFor resolves the conversation grouping key for a message: the
// root of its References chain, else In-Reply-To, else its own Message-ID.
func ThreadIDFor(references, inReplyTo, messageID string) string {
	if refs := strings.Fields(references); len(refs) > 0 {
		return refs[0]
	}
	if inReplyTo != "" {
		return inReplyTo
	}
	return messageID
}

func firstAddress(addrs []*imap.Address) (email, name string) {
	if len(addrs) == 0 {
		return "", ""
	}
	a := addrs[0]
	return strings.ToLower(a.MailboxName + "@" + a.HostName), a.PersonalName
}
