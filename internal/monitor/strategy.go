package monitor

import (
	"context"
	"time"

	"github.com/vdavid/mailguard/internal/imap"
	"github.com/vdavid/mailguard/internal/models"
)

// IngestFunc receives new messages in transport order.
type IngestFunc func(ctx context.Context, msgs []models.InboundMessage)

// Strategy watches an open session for new mail until ctx ends or the session fails.
// A non-nil catchUpSince asks for messages that arrived while disconnected.
type Strategy interface {
	Name() string
	Run(ctx context.Context, session imap.MailSession, catchUpSince time.Time, ingest IngestFunc) error
}

// IdleStrategy waits for server push notifications with IMAP IDLE.
type IdleStrategy struct {
	IdleTimeout        time.Duration
	KeepaliveThreshold time.Duration
	now                func() time.Time
}

// NewIdleStrategy creates an IdleStrategy.
func NewIdleStrategy(idleTimeout, keepaliveThreshold time.Duration) *IdleStrategy {
	return &IdleStrategy{IdleTimeout: idleTimeout, KeepaliveThreshold: keepaliveThreshold, now: time.Now}
}

func (s *IdleStrategy) Name() string { return "idle" }

func (s *IdleStrategy) Run(ctx context.Context, session imap.MailSession, catchUpSince time.Time, ingest IngestFunc) error {
	if err := session.OpenInbox(true); err != nil {
		return err
	}

	if !catchUpSince.IsZero() {
		msgs, err := session.FetchRecent(ctx, catchUpSince)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			ingest(ctx, msgs)
		}
	}

	for {
		if s.KeepaliveThreshold > 0 && s.now().Sub(session.LastActivity()) > s.KeepaliveThreshold {
			if err := session.Noop(); err != nil {
				return err
			}
		}

		msgs, err := session.WaitForChanges(ctx, s.IdleTimeout)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			ingest(ctx, msgs)
			continue
		}

		// Timeout with no news: make sure the server is still there.
		if err := session.Noop(); err != nil {
			return err
		}
	}
}

// PollStrategy fetches the trailing window of messages on a fixed interval.
type PollStrategy struct {
	Interval time.Duration
	now      func() time.Time
}

// NewPollStrategy creates a PollStrategy.
func NewPollStrategy(interval time.Duration) *PollStrategy {
	return &PollStrategy{Interval: interval, now: time.Now}
}

func (s *PollStrategy) Name() string { return "poll" }

func (s *PollStrategy) Run(ctx context.Context, session imap.MailSession, catchUpSince time.Time, ingest IngestFunc) error {
	if err := session.OpenInbox(false); err != nil {
		return err
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	since := catchUpSince
	for {
		windowStart := s.now().Add(-s.Interval)
		if since.IsZero() || since.After(windowStart) {
			since = windowStart
		}

		msgs, err := session.FetchRecent(ctx, since)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			ingest(ctx, msgs)
		}
		since = time.Time{}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
