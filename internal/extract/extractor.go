// Package extract turns fetched messages into scan input: a stable identity,
// the cleaned sender, readable body text and candidate links.
package extract

import (
	"bytes"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailguard/internal/models"
	"go.uber.org/zap"
)

// Extractor converts InboundMessages into ExtractedMessages.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract builds the scan input for msg. A body that cannot be parsed yields empty
// content; only a missing envelope or sender is an error.
func (e *Extractor) Extract(endpoint models.MailboxEndpoint, identity string, msg models.InboundMessage) (models.ExtractedMessage, error) {
	if !msg.HasEnvelope {
		return models.ExtractedMessage{}, &ExtractionError{Mailbox: endpoint.Address, UID: msg.UID, Reason: "missing envelope"}
	}
	if len(msg.From) == 0 || CleanSender(msg.From[0]) == "" {
		return models.ExtractedMessage{}, &ExtractionError{Mailbox: endpoint.Address, UID: msg.UID, Reason: "missing sender"}
	}

	content := e.readBody(endpoint.Address, identity, msg.Raw)

	return models.ExtractedMessage{
		Endpoint:  endpoint,
		Identity:  identity,
		Sender:    CleanSender(msg.From[0]),
		Subject:   msg.Subject,
		Body:      content.text,
		Links:     ExtractLinks(msg.Subject, content.text, content.hrefs),
		ArrivedAt: msg.ArrivedAt(),
	}, nil
}

type bodyContent struct {
	text  string
	hrefs []string
}

// readBody parses the raw message with enmime and picks the readable text.
func (e *Extractor) readBody(mailbox, identity string, raw []byte) bodyContent {
	if len(raw) == 0 {
		return bodyContent{}
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		e.logger.Warn("Failed to parse message body, scanning headers only",
			zap.String("mailbox", mailbox),
			zap.String("identity", identity),
			zap.Error(err),
		)
		return bodyContent{}
	}
	for _, perr := range envelope.Errors {
		e.logger.Debug("MIME parse problem",
			zap.String("identity", identity),
			zap.String("problem", perr.Error()),
		)
	}

	plain, htmlPart := findTextParts(envelope.Root)
	switch {
	case plain != nil && htmlPart != nil:
		return bodyContent{
			text:  strings.TrimSpace(string(plain.Content)),
			hrefs: parseHTML(string(htmlPart.Content)).Hrefs,
		}
	case plain != nil:
		return bodyContent{text: strings.TrimSpace(string(plain.Content))}
	case htmlPart != nil:
		doc := parseHTML(string(htmlPart.Content))
		return bodyContent{text: doc.Text, hrefs: doc.Hrefs}
	default:
		return bodyContent{}
	}
}

// findTextParts walks the part tree depth-first and returns the first inline
// text/plain and text/html parts. Attachments are ignored.
func findTextParts(root *enmime.Part) (plain, htmlPart *enmime.Part) {
	var walk func(p *enmime.Part)
	walk = func(p *enmime.Part) {
		for ; p != nil; p = p.NextSibling {
			if p.Disposition != "attachment" {
				switch strings.ToLower(p.ContentType) {
				case "text/plain", "":
					if p.FirstChild != nil {
						break
					}
					if plain == nil {
						plain = p
					}
				case "text/html":
					if htmlPart == nil {
						htmlPart = p
					}
				}
			}
			walk(p.FirstChild)
		}
	}
	if root != nil {
		walk(root)
	}
	return plain, htmlPart
}
