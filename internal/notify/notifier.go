// Package notify publishes connection and scan events to topic subscribers.
// Delivery is at-least-once at best: a failed publish is logged, never retried.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Category is the first segment of a topic.
type Category string

const (
	CategoryConnect Category = "connect"
	CategoryScanLog Category = "scanlog"
	CategoryThreat  Category = "threat"
)

// Notifier publishes a payload to a topic.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Topic builds "{category}/{mailbox}/{userID}".
func Topic(category Category, mailbox, userID string) string {
	return string(category) + "/" + mailbox + "/" + userID
}

// ParseTopic splits a topic built by Topic. Mailbox addresses never contain '/',
// so the first and last separators delimit the parts.
func ParseTopic(topic string) (category Category, mailbox, userID string, ok bool) {
	first := strings.Index(topic, "/")
	last := strings.LastIndex(topic, "/")
	if first < 0 || first == last {
		return "", "", "", false
	}
	return Category(topic[:first]), topic[first+1 : last], topic[last+1:], true
}

// Message is the wire form shared by every transport.
type Message struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func encode(topic string, payload any) ([]byte, error) {
	return json.Marshal(Message{Topic: topic, Payload: payload})
}

// Multi fans a publish out to every notifier and joins their errors.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(context.Context, string, any) error { return nil }
