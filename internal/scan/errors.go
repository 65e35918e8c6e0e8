package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("scan queue full")
	// ErrPipelineClosed is returned by Submit after Shutdown started.
	ErrPipelineClosed = errors.New("scan pipeline closed")
	// ErrAlreadyScanned is returned by Submit when the store already holds a record for the message.
	ErrAlreadyScanned = errors.New("message already scanned")
	// ErrNotAccepted wraps failures that happened before a record existed; the message may be resubmitted.
	ErrNotAccepted = errors.New("message not accepted")
)

// ProviderError is a failed call to a risk-check provider.
type ProviderError struct {
	Provider   string
	URL        string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	target := ""
	if e.URL != "" {
		target = " for " + e.URL
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s check failed%s: unexpected status %d", e.Provider, target, e.StatusCode)
	}
	return fmt.Sprintf("%s check failed%s: %v", e.Provider, target, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
