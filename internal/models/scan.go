package models

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrRecordFinalized is returned when a terminal scan record is transitioned again.
	ErrRecordFinalized = errors.New("scan record already finalized")
	// ErrScanRecordExists is returned when a message identity already has a stored record.
	ErrScanRecordExists = errors.New("scan record already exists for message")
)

// ScanStatus is the lifecycle state of a ScanRecord.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanCompleted ScanStatus = "completed"
	ScanAborted   ScanStatus = "aborted"
)

// RiskLevel is the verdict bucket derived from the risk score.
type RiskLevel string

const (
	RiskNone   RiskLevel = "None"
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskLevelForScore maps an aggregate score to a level.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	case score > 0:
		return RiskLow
	default:
		return RiskNone
	}
}

// ScanRecord is the persisted and streamed outcome of scanning one message.
type ScanRecord struct {
	ID              string     `json:"id"`
	MailboxID       int64      `json:"mailbox_id"`
	MailboxAddress  string     `json:"mailbox_address"`
	UserID          string     `json:"user_id"`
	MessageIdentity string     `json:"message_identity"`
	Sender          string     `json:"sender"`
	Subject         string     `json:"subject"`
	Status          ScanStatus `json:"status"`
	RiskLevel       RiskLevel  `json:"risk_level"`
	RiskScore       int        `json:"risk_score"`
	Threats         []string   `json:"threats"`
	Comment         string     `json:"comment"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Complete moves a pending record to Completed.
func (r *ScanRecord) Complete(score int, threats []string, now time.Time) error {
	if r.Status != ScanPending {
		return ErrRecordFinalized
	}
	r.Status = ScanCompleted
	r.RiskScore = score
	r.RiskLevel = RiskLevelForScore(score)
	r.Threats = append([]string(nil), threats...)
	r.Comment = strings.Join(threats, "; ")
	r.UpdatedAt = now
	return nil
}

// Abort moves a pending record to Aborted with a diagnostic comment.
func (r *ScanRecord) Abort(reason string, now time.Time) error {
	if r.Status != ScanPending {
		return ErrRecordFinalized
	}
	r.Status = ScanAborted
	r.Comment = "Phishing scan aborted: " + reason
	r.UpdatedAt = now
	return nil
}

// IsTerminal reports whether the record can no longer change.
func (r *ScanRecord) IsTerminal() bool {
	return r.Status == ScanCompleted || r.Status == ScanAborted
}
