package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Outcome is the transport's verdict on an operation, consumed by the supervisor
// to decide between resuming, retrying and giving up.
type Outcome int

const (
	// OutcomeSuccess means the operation completed.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the session is lost but a reconnect may succeed.
	OutcomeRetryable
	// OutcomeFatal means retrying cannot help (for example, rejected credentials).
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// AuthenticationError is returned when the server rejects the credentials.
type AuthenticationError struct {
	Username string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// TransportError is returned for network and protocol failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify maps an error returned by this package to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return OutcomeFatal
	}
	return OutcomeRetryable
}

// IsAuthenticationError reports whether err carries an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// isConnectionFailure tells a broken connection apart from a NO/BAD reply from the server.
func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout")
}
