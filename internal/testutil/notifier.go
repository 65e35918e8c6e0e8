package testutil

import (
	"context"
	"strings"
	"sync"
)

// PublishedMessage is one call recorded by RecordingNotifier.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// RecordingNotifier keeps every publish in memory for assertions.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages []PublishedMessage
	Err      error
}

// Publish records the message and returns Err.
func (n *RecordingNotifier) Publish(_ context.Context, topic string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, PublishedMessage{Topic: topic, Payload: payload})
	return n.Err
}

// Messages returns a copy of everything published so far.
func (n *RecordingNotifier) Messages() []PublishedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PublishedMessage(nil), n.messages...)
}

// WithPrefix returns the messages whose topic starts with prefix.
func (n *RecordingNotifier) WithPrefix(prefix string) []PublishedMessage {
	var result []PublishedMessage
	for _, msg := range n.Messages() {
		if strings.HasPrefix(msg.Topic, prefix) {
			result = append(result, msg)
		}
	}
	return result
}
