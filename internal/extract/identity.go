package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/vdavid/mailguard/internal/models"
)

var angleAddress = regexp.MustCompile(`<(.+?)>`)

// CleanSender returns the address inside angle brackets, or the input trimmed
// when there are none: "Alice <alice@example.com>" becomes "alice@example.com".
func CleanSender(from string) string {
	if m := angleAddress.FindStringSubmatch(from); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(from)
}

// Identity derives the stable identity of a message within a mailbox:
// "<mailbox>_<Message-ID>", or "<mailbox>_<subject>_<sent unix millis>_<first sender>"
// when the Message-ID header is absent. UIDs are never part of it, so a message
// fetched again after a reconnect keeps its identity.
func Identity(mailbox string, msg models.InboundMessage) (string, error) {
	if id := strings.TrimSpace(msg.MessageID); id != "" {
		return mailbox + "_" + id, nil
	}

	subject := strings.TrimSpace(msg.Subject)
	sender := ""
	if len(msg.From) > 0 {
		sender = CleanSender(msg.From[0])
	}
	sent := ""
	if !msg.SentAt.IsZero() {
		sent = strconv.FormatInt(msg.SentAt.UnixMilli(), 10)
	}

	if subject == "" && sender == "" && sent == "" {
		return "", &ExtractionError{Mailbox: mailbox, UID: msg.UID, Reason: "no usable identity", Err: ErrNoIdentity}
	}

	return strings.Join([]string{mailbox, subject, sent, sender}, "_"), nil
}
