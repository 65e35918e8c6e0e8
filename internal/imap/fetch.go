package imap

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailguard/internal/models"
)

// FetchRecent returns the INBOX messages received or sent at or after since.
// IMAP SINCE/SENTSINCE compare whole days, so the search narrows the candidates
// and the exact cut happens on the fetched dates.
func (s *Session) FetchRecent(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.drainUpdates()

	received := imap.NewSearchCriteria()
	received.Since = since
	sent := imap.NewSearchCriteria()
	sent.SentSince = since

	criteria := imap.NewSearchCriteria()
	criteria.Or = [][2]*imap.SearchCriteria{{received, sent}}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, &TransportError{Op: "search", Err: err}
	}
	s.touch()

	if len(uids) == 0 {
		return []models.InboundMessage{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	messages, err := s.fetch(seqSet, 0)
	if err != nil {
		return nil, err
	}

	recent := make([]models.InboundMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.WithinWindow(since) {
			recent = append(recent, msg)
		}
	}
	return recent, nil
}

// fetchNew fetches every message with a UID above the last one seen.
func (s *Session) fetchNew() ([]models.InboundMessage, error) {
	seqSet := new(imap.SeqSet)
	// A stop of 0 means "*".
	seqSet.AddRange(s.lastUID+1, 0)
	return s.fetch(seqSet, s.lastUID)
}

// fetch runs UID FETCH for envelope, internal date and the full body (without setting \Seen).
// Messages with a UID at or below minUID are dropped: "n:*" always returns the last message.
func (s *Session) fetch(seqSet *imap.SeqSet, minUID uint32) ([]models.InboundMessage, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var result []models.InboundMessage
	for msg := range messages {
		if msg == nil || msg.Uid <= minUID {
			continue
		}
		result = append(result, toInboundMessage(msg, section))
	}

	if err := <-done; err != nil {
		return nil, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to fetch messages: %w", err)}
	}
	s.touch()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UID < result[j].UID
	})
	for _, msg := range result {
		if msg.UID > s.lastUID {
			s.lastUID = msg.UID
		}
	}

	return result, nil
}

// toInboundMessage converts a fetched message. A body that cannot be read is left empty.
func toInboundMessage(msg *imap.Message, section *imap.BodySectionName) models.InboundMessage {
	inbound := models.InboundMessage{
		UID:        msg.Uid,
		ReceivedAt: msg.InternalDate,
	}

	if env := msg.Envelope; env != nil {
		inbound.HasEnvelope = true
		inbound.MessageID = env.MessageId
		inbound.Subject = env.Subject
		inbound.SentAt = env.Date
		inbound.From = formatAddressList(env.From)
	}

	if body := msg.GetBody(section); body != nil {
		if raw, err := io.ReadAll(body); err == nil {
			inbound.Raw = raw
		}
	}

	return inbound
}
