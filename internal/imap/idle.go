package imap

import (
	"context"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailguard/internal/models"
)

// WaitForChanges issues IDLE (or NOOP polling when the server lacks IDLE) and waits
// for a mailbox update, the timeout, or ctx cancellation, whichever comes first.
// On an update it leaves IDLE and returns the messages that arrived since the last fetch.
// Leaving IDLE is bounded by the client's command timeout, so a silently dropped
// connection surfaces as a TransportError instead of a hang.
func (s *Session) WaitForChanges(ctx context.Context, timeout time.Duration) ([]models.InboundMessage, error) {
	s.drainUpdates()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.idleClient.IdleWithFallback(stop, s.fallbackPoll)
	}()

	stopped := false
	stopIdle := func() error {
		if !stopped {
			stopped = true
			close(stop)
		}
		return <-done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	changed := false
	for !changed {
		select {
		case <-ctx.Done():
			_ = stopIdle()
			return nil, ctx.Err()
		case err := <-done:
			stopped = true
			if err != nil {
				return nil, &TransportError{Op: "idle", Err: err}
			}
			// Server ended IDLE without an update: treat like a timeout.
			s.touch()
			return nil, nil
		case update := <-s.updates:
			if _, ok := update.(*client.MailboxUpdate); !ok {
				continue
			}
			if err := stopIdle(); err != nil {
				return nil, &TransportError{Op: "idle", Err: err}
			}
			changed = true
		case <-timer.C:
			if err := stopIdle(); err != nil {
				return nil, &TransportError{Op: "idle", Err: err}
			}
			s.touch()
			return nil, nil
		}
	}

	s.touch()
	return s.fetchNew()
}
