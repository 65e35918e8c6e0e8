package monitor

import (
	"errors"
	"fmt"
)

// ErrMonitorClosed is returned by StartMonitoring after Shutdown.
var ErrMonitorClosed = errors.New("monitor is shutting down")

// ErrStopped is returned by StartMonitoring when the mailbox was stopped while connecting.
var ErrStopped = errors.New("monitoring stopped")

// MailboxNotFoundError is returned when the credential store has no usable mailbox.
type MailboxNotFoundError struct {
	Mailbox string
	UserID  string
	Err     error
}

func (e *MailboxNotFoundError) Error() string {
	return fmt.Sprintf("mailbox %s for user %s not found: %v", e.Mailbox, e.UserID, e.Err)
}

func (e *MailboxNotFoundError) Unwrap() error {
	return e.Err
}
