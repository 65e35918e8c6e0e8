package imap

import (
	"context"
	"time"

	"github.com/vdavid/mailguard/internal/models"
)

// MailSession is one authenticated IMAP session watching a mailbox's INBOX.
// A session is owned by a single goroutine; only IsValid and LastActivity
// may be called from other goroutines.
type MailSession interface {
	// OpenInbox selects INBOX. readWrite=false opens it with EXAMINE.
	OpenInbox(readWrite bool) error
	// SupportsIdle reports whether the server advertises IDLE.
	SupportsIdle() bool
	// FetchRecent returns messages received or sent at or after since, in UID order.
	FetchRecent(ctx context.Context, since time.Time) ([]models.InboundMessage, error)
	// WaitForChanges blocks until new mail arrives, the timeout elapses, or ctx is done.
	// A timeout returns (nil, nil).
	WaitForChanges(ctx context.Context, timeout time.Duration) ([]models.InboundMessage, error)
	// Noop performs a round trip to check the connection.
	Noop() error
	// IsValid checks live that the connection is up and INBOX is selected.
	IsValid() bool
	// LastActivity returns the time of the last successful server round trip.
	LastActivity() time.Time
	// Close releases the folder and the connection. Safe to call more than once.
	Close() error
}

// SessionDialer opens MailSessions for a resolved credential.
type SessionDialer interface {
	Dial(ctx context.Context, cred models.Credential) (MailSession, error)
}

// Ensure Session implements MailSession
var _ MailSession = (*Session)(nil)

// Ensure Dialer implements SessionDialer
var _ SessionDialer = (*Dialer)(nil)
