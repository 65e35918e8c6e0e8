package models

import "time"

// Link is a candidate URL found in a message.
// Display keeps the text as it appeared; Probe is what gets sent to URL checks.
type Link struct {
	Display string `json:"display"`
	Probe   string `json:"probe"`
}

// ExtractedMessage is the normalized scan input for one inbound message.
type ExtractedMessage struct {
	Endpoint  MailboxEndpoint `json:"endpoint"`
	Identity  string          `json:"identity"`
	Sender    string          `json:"sender"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	Links     []Link          `json:"links"`
	ArrivedAt time.Time       `json:"arrived_at"`
}

// ScanText returns the text handed to the content classifier.
func (m ExtractedMessage) ScanText() string {
	if m.Subject == "" {
		return m.Body
	}
	if m.Body == "" {
		return m.Subject
	}
	return m.Subject + " " + m.Body
}

// InboundMessage is a message as reported by the mail transport, before extraction.
type InboundMessage struct {
	UID         uint32    `json:"uid"`
	MessageID   string    `json:"message_id"`
	Subject     string    `json:"subject"`
	From        []string  `json:"from"`
	SentAt      time.Time `json:"sent_at"`
	ReceivedAt  time.Time `json:"received_at"`
	HasEnvelope bool      `json:"has_envelope"`
	Raw         []byte    `json:"-"`
}

// ArrivedAt returns the best known arrival time.
func (m InboundMessage) ArrivedAt() time.Time {
	if !m.ReceivedAt.IsZero() {
		return m.ReceivedAt
	}
	return m.SentAt
}

// WithinWindow reports whether the message was received or sent at or after since.
func (m InboundMessage) WithinWindow(since time.Time) bool {
	if !m.ReceivedAt.IsZero() && !m.ReceivedAt.Before(since) {
		return true
	}
	return !m.SentAt.IsZero() && !m.SentAt.Before(since)
}
