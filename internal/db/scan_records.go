package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailguard/internal/models"
)

// ErrScanRecordExists is returned when a pending record is inserted for a message that
// already has one, typically a message seen again after a restart.
var ErrScanRecordExists = models.ErrScanRecordExists

// ScanRecordStore persists scan records.
type ScanRecordStore struct {
	pool *pgxpool.Pool
}

// NewScanRecordStore creates a ScanRecordStore.
func NewScanRecordStore(pool *pgxpool.Pool) *ScanRecordStore {
	return &ScanRecordStore{pool: pool}
}

// SaveScanRecord inserts a pending record or finalizes an existing one.
// Finalizing only touches rows that are still pending, so a terminal record is never rewritten.
func (s *ScanRecordStore) SaveScanRecord(ctx context.Context, record *models.ScanRecord) error {
	if record.Status == models.ScanPending {
		return s.insertPending(ctx, record)
	}
	return s.finalize(ctx, record)
}

func (s *ScanRecordStore) insertPending(ctx context.Context, record *models.ScanRecord) error {
	threats := record.Threats
	if threats == nil {
		threats = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scan_records (
			id, mailbox_id, mailbox_address, user_id, message_identity, sender, subject,
			status, risk_level, risk_score, threats, comment, created_at, updated_at
		)
		VALUES ($1, NULLIF($2::BIGINT, 0), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (mailbox_address, user_id, message_identity) DO NOTHING
	`,
		record.ID, record.MailboxID, record.MailboxAddress, record.UserID, record.MessageIdentity,
		record.Sender, record.Subject, string(record.Status), string(record.RiskLevel), record.RiskScore,
		threats, record.Comment, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScanRecordExists
	}

	return nil
}

func (s *ScanRecordStore) finalize(ctx context.Context, record *models.ScanRecord) error {
	threats := record.Threats
	if threats == nil {
		threats = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_records
		SET status = $2, risk_level = $3, risk_score = $4, threats = $5, comment = $6, updated_at = $7
		WHERE id = $1 AND status = 'pending'
	`, record.ID, string(record.Status), string(record.RiskLevel), record.RiskScore, threats, record.Comment, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update scan record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRecordFinalized
	}

	return nil
}

// GetScanRecord loads a record by ID.
func (s *ScanRecordStore) GetScanRecord(ctx context.Context, id string) (*models.ScanRecord, error) {
	var r models.ScanRecord
	var mailboxID *int64
	var status, level string

	err := s.pool.QueryRow(ctx, `
		SELECT id, mailbox_id, mailbox_address, user_id, message_identity, sender, subject,
		       status, risk_level, risk_score, threats, comment, created_at, updated_at
		FROM scan_records
		WHERE id = $1
	`, id).Scan(&r.ID, &mailboxID, &r.MailboxAddress, &r.UserID, &r.MessageIdentity, &r.Sender, &r.Subject,
		&status, &level, &r.RiskScore, &r.Threats, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scan record %s: %w", id, pgx.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get scan record: %w", err)
	}

	if mailboxID != nil {
		r.MailboxID = *mailboxID
	}
	r.Status = models.ScanStatus(status)
	r.RiskLevel = models.RiskLevel(level)
	return &r, nil
}
