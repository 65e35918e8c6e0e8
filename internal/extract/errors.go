package extract

import (
	"errors"
	"fmt"
)

// ErrNoIdentity is returned when a message carries nothing to derive an identity from.
var ErrNoIdentity = errors.New("message has no Message-ID and no fallback fields")

// ExtractionError reports a message that cannot be turned into scan input.
type ExtractionError struct {
	Mailbox string
	UID     uint32
	Reason  string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract message %d in %s: %s: %v", e.UID, e.Mailbox, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract message %d in %s: %s", e.UID, e.Mailbox, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
