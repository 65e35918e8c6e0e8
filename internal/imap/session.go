package imap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailguard/internal/models"
	"go.uber.org/zap"
)

const (
	inboxName = "INBOX"
	// updateBuffer is the capacity of the unilateral update channel.
	// go-imap blocks its reader when this fills up, so sessions drain it before every command.
	updateBuffer = 64
	// defaultCommandTimeout bounds every command, including LOGOUT on a dead socket.
	defaultCommandTimeout = 60 * time.Second
	// defaultIdleFallbackPoll is the NOOP interval used when the server lacks IDLE.
	defaultIdleFallbackPoll = 30 * time.Second
)

// Dialer opens authenticated sessions.
type Dialer struct {
	UseTLS           bool
	CommandTimeout   time.Duration
	IdleFallbackPoll time.Duration
	logger           *zap.Logger
}

// NewDialer creates a Dialer with default timeouts.
func NewDialer(useTLS bool, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		UseTLS:           useTLS,
		CommandTimeout:   defaultCommandTimeout,
		IdleFallbackPoll: defaultIdleFallbackPoll,
		logger:           logger,
	}
}

// Dial connects and logs in. The mailbox address doubles as the IMAP username.
func (d *Dialer) Dial(ctx context.Context, cred models.Credential) (MailSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	server := cred.Endpoint.ServerAddress()
	c, err := ConnectToIMAP(server, d.UseTLS)
	if err != nil {
		return nil, err
	}
	c.Timeout = d.CommandTimeout

	if err := Login(c, cred.Endpoint.Address, cred.Password); err != nil {
		_ = c.Logout()
		return nil, err
	}

	updates := make(chan client.Update, updateBuffer)
	c.Updates = updates

	s := &Session{
		client:       c,
		idleClient:   idle.NewClient(c),
		updates:      updates,
		fallbackPoll: d.IdleFallbackPoll,
	}
	s.touch()

	d.logger.Debug("IMAP session established",
		zap.String("mailbox", cred.Endpoint.Address),
		zap.String("server", server),
	)
	return s, nil
}

// Session wraps a go-imap client bound to INBOX.
type Session struct {
	client       *client.Client
	idleClient   *idle.Client
	updates      chan client.Update
	fallbackPoll time.Duration

	lastUID      uint32
	lastActivity atomic.Int64
	closeOnce    sync.Once
	closeErr     error
}

// OpenInbox selects INBOX and remembers the highest UID present so that later
// waits only report mail that arrived afterwards.
func (s *Session) OpenInbox(readWrite bool) error {
	s.drainUpdates()
	mbox, err := s.client.Select(inboxName, !readWrite)
	if err != nil {
		return &TransportError{Op: "select", Err: err}
	}
	if mbox.UidNext > 0 {
		s.lastUID = mbox.UidNext - 1
	}
	s.touch()
	return nil
}

// SupportsIdle reports whether the server advertises the IDLE capability.
func (s *Session) SupportsIdle() bool {
	ok, err := s.client.Support("IDLE")
	return err == nil && ok
}

// Noop performs a NOOP round trip.
func (s *Session) Noop() error {
	s.drainUpdates()
	if err := s.client.Noop(); err != nil {
		return &TransportError{Op: "noop", Err: err}
	}
	s.touch()
	return nil
}

// IsValid reports whether the connection is alive and INBOX is selected.
// The check is made against the client each time, never against a cached flag.
func (s *Session) IsValid() bool {
	select {
	case <-s.client.LoggedOut():
		return false
	default:
	}
	if s.client.State() != imap.SelectedState {
		return false
	}
	return s.client.Mailbox() != nil
}

// LastActivity returns the time of the last successful round trip.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Close logs out, dropping the selected folder without expunging.
// When LOGOUT fails the socket is torn down anyway.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := s.client.Logout()
		if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
			_ = s.client.Terminate()
			s.closeErr = &TransportError{Op: "logout", Err: err}
		}
	})
	return s.closeErr
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// drainUpdates discards pending unilateral updates so the client reader never blocks.
func (s *Session) drainUpdates() {
	for {
		select {
		case <-s.updates:
		default:
			return
		}
	}
}
