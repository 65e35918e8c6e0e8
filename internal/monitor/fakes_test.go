package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vdavid/mailguard/internal/db"
	"github.com/vdavid/mailguard/internal/imap"
	"github.com/vdavid/mailguard/internal/models"
)

type fakeSession struct {
	supportsIdle bool
	changes      chan []models.InboundMessage
	failures     chan error

	mu           sync.Mutex
	fetches      [][]models.InboundMessage
	fetchSince   []time.Time
	opened       bool
	readWrite    bool
	lastActivity time.Time

	noops  atomic.Int32
	closes atomic.Int32
}

func newFakeSession(supportsIdle bool, fetches ...[]models.InboundMessage) *fakeSession {
	return &fakeSession{
		supportsIdle: supportsIdle,
		changes:      make(chan []models.InboundMessage, 4),
		failures:     make(chan error, 1),
		fetches:      fetches,
		lastActivity: time.Now(),
	}
}

func (s *fakeSession) OpenInbox(readWrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	s.readWrite = readWrite
	return nil
}

func (s *fakeSession) SupportsIdle() bool { return s.supportsIdle }

func (s *fakeSession) FetchRecent(_ context.Context, since time.Time) ([]models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchSince = append(s.fetchSince, since)
	if len(s.fetches) == 0 {
		return nil, nil
	}
	next := s.fetches[0]
	s.fetches = s.fetches[1:]

	recent := make([]models.InboundMessage, 0, len(next))
	for _, msg := range next {
		if msg.WithinWindow(since) {
			recent = append(recent, msg)
		}
	}
	return recent, nil
}

func (s *fakeSession) WaitForChanges(ctx context.Context, timeout time.Duration) ([]models.InboundMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msgs := <-s.changes:
		return msgs, nil
	case err := <-s.failures:
		return nil, err
	case <-timer.C:
		return nil, nil
	}
}

func (s *fakeSession) Noop() error {
	s.noops.Add(1)
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && s.closes.Load() == 0
}

func (s *fakeSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

// fakeDialer returns the queued results in order; the last one repeats.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	// gate, when set, holds the first dial until it is closed; that dial then fails.
	gate chan struct{}
}

type dialResult struct {
	session imap.MailSession
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, _ models.Credential) (imap.MailSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	i := d.calls
	d.calls++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil && i == 0 {
		<-gate
		return nil, transportError()
	}
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	return d.results[i].session, d.results[i].err
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeStore struct {
	mu          sync.Mutex
	missing     bool
	deactivated []string
}

func (s *fakeStore) FindCredential(_ context.Context, mailbox, userID string) (models.Credential, error) {
	if s.missing {
		return models.Credential{}, db.ErrMailboxNotFound
	}
	return models.Credential{
		Endpoint: models.MailboxEndpoint{MailboxID: 1, Address: mailbox, UserID: userID, Host: "imap.example.com", Port: 993, Protocol: "imap"},
		Password: "secret",
	}, nil
}

func (s *fakeStore) DeactivateMailbox(_ context.Context, mailbox, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, mailbox)
	return nil
}

func (s *fakeStore) Deactivated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deactivated...)
}

var errConnectionReset = errors.New("connection reset by peer")

func transportError() error {
	return &imap.TransportError{Op: "idle", Err: errConnectionReset}
}

func inbound(messageID string, receivedAt time.Time) models.InboundMessage {
	return models.InboundMessage{
		UID:         1,
		MessageID:   messageID,
		Subject:     "Hello",
		From:        []string{"Bob <bob@example.com>"},
		ReceivedAt:  receivedAt,
		SentAt:      receivedAt,
		HasEnvelope: true,
		Raw:         []byte("Subject: Hello\r\n\r\nhi\r\n"),
	}
}
