package notify

import (
	"context"
	"time"

	"github.com/vdavid/mailguard/internal/models"
	"go.uber.org/zap"
)

// Connection error causes reported to subscribers.
const (
	CauseInvalidCredentials = "Invalid credentials"
	CauseConnectionDropped  = "Connection dropped by server"
)

// ConnectionEvent is the payload of a connect topic.
type ConnectionEvent struct {
	Mailbox   string    `json:"mailbox"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Events turns domain happenings into topic publishes. Publishing never fails
// the caller; errors are logged.
type Events struct {
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewEvents creates an Events publisher on top of notifier.
func NewEvents(notifier Notifier, logger *zap.Logger) *Events {
	if notifier == nil {
		notifier = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{notifier: notifier, logger: logger, now: time.Now}
}

// ConnectionSucceeded announces a successful (re)connect.
func (e *Events) ConnectionSucceeded(ctx context.Context, endpoint models.MailboxEndpoint) {
	e.publish(ctx, Topic(CategoryConnect, endpoint.Address, endpoint.UserID), ConnectionEvent{
		Mailbox:   endpoint.Address,
		UserID:    endpoint.UserID,
		Status:    "success",
		Timestamp: e.now(),
	})
}

// ConnectionFailed announces a connection error with a human-readable cause.
func (e *Events) ConnectionFailed(ctx context.Context, endpoint models.MailboxEndpoint, cause string) {
	e.publish(ctx, Topic(CategoryConnect, endpoint.Address, endpoint.UserID), ConnectionEvent{
		Mailbox:   endpoint.Address,
		UserID:    endpoint.UserID,
		Status:    "error",
		Cause:     cause,
		Timestamp: e.now(),
	})
}

// ScanRecordUpdated streams the current state of a scan record.
func (e *Events) ScanRecordUpdated(ctx context.Context, record *models.ScanRecord) {
	e.publish(ctx, Topic(CategoryScanLog, record.MailboxAddress, record.UserID), record)
}

// ThreatDetected flags a finished record whose risk level is above None.
func (e *Events) ThreatDetected(ctx context.Context, record *models.ScanRecord) {
	e.publish(ctx, Topic(CategoryThreat, record.MailboxAddress, record.UserID), record)
}

func (e *Events) publish(ctx context.Context, topic string, payload any) {
	if err := e.notifier.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("Failed to publish notification",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}
