package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailguard/internal/crypto"
	"github.com/vdavid/mailguard/internal/models"
)

// ErrMailboxNotFound is returned when no mailbox matches (address, user).
var ErrMailboxNotFound = errors.New("mailbox not found")

// ErrMailboxInactive is returned for a mailbox that was deactivated, for example after
// its credentials were rejected.
var ErrMailboxInactive = errors.New("mailbox is inactive")

const mailboxColumns = `id, email, user_id, host, port, protocol, active, created_at, updated_at`

func scanMailbox(row pgx.Row, extra ...any) (*models.Mailbox, error) {
	var m models.Mailbox
	dest := append([]any{&m.ID, &m.Email, &m.UserID, &m.Host, &m.Port, &m.Protocol, &m.Active, &m.CreatedAt, &m.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMailbox inserts or updates a mailbox and reactivates it. sealedPassword must come
// from crypto.Encryptor.SealPassword for the mailbox key.
func SaveMailbox(ctx context.Context, pool *pgxpool.Pool, mailbox *models.Mailbox, sealedPassword []byte) error {
	protocol := mailbox.Protocol
	if protocol == "" {
		protocol = "imap"
	}
	port := mailbox.Port
	if port == 0 {
		port = 993
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO mailboxes (email, user_id, host, port, protocol, encrypted_password, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (email, user_id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			protocol = EXCLUDED.protocol,
			encrypted_password = EXCLUDED.encrypted_password,
			active = TRUE,
			updated_at = NOW()
		RETURNING `+mailboxColumns,
		mailbox.Email, mailbox.UserID, mailbox.Host, port, protocol, sealedPassword,
	).Scan(&mailbox.ID, &mailbox.Email, &mailbox.UserID, &mailbox.Host, &mailbox.Port, &mailbox.Protocol,
		&mailbox.Active, &mailbox.CreatedAt, &mailbox.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save mailbox: %w", err)
	}

	return nil
}

// GetMailbox returns the mailbox row and its sealed password.
func GetMailbox(ctx context.Context, pool *pgxpool.Pool, email, userID string) (*models.Mailbox, []byte, error) {
	var sealed []byte
	m, err := scanMailbox(pool.QueryRow(ctx, `
		SELECT `+mailboxColumns+`, encrypted_password
		FROM mailboxes
		WHERE email = $1 AND user_id = $2
	`, email, userID), &sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrMailboxNotFound
		}
		return nil, nil, fmt.Errorf("failed to get mailbox: %w", err)
	}

	return m, sealed, nil
}

// ListActiveMailboxes returns every active mailbox, oldest first.
func ListActiveMailboxes(ctx context.Context, pool *pgxpool.Pool) ([]*models.Mailbox, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+mailboxColumns+`
		FROM mailboxes
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []*models.Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mailboxes: %w", err)
	}

	return mailboxes, nil
}

// DeactivateMailbox marks a mailbox inactive so it is not resumed on startup.
func DeactivateMailbox(ctx context.Context, pool *pgxpool.Pool, email, userID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE mailboxes
		SET active = FALSE, updated_at = NOW()
		WHERE email = $1 AND user_id = $2
	`, email, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate mailbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMailboxNotFound
	}

	return nil
}

// MailboxStore resolves mailbox credentials for the monitor.
type MailboxStore struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewMailboxStore creates a MailboxStore.
func NewMailboxStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *MailboxStore {
	return &MailboxStore{pool: pool, encryptor: encryptor}
}

// FindCredential looks up an active mailbox and decrypts its password.
func (s *MailboxStore) FindCredential(ctx context.Context, email, userID string) (models.Credential, error) {
	m, sealed, err := GetMailbox(ctx, s.pool, email, userID)
	if err != nil {
		return models.Credential{}, err
	}
	if !m.Active {
		return models.Credential{}, ErrMailboxInactive
	}

	password, err := s.encryptor.OpenPassword(models.MailboxKey(m.Email, m.UserID), sealed)
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to decrypt mailbox password: %w", err)
	}

	return models.Credential{Endpoint: m.Endpoint(), Password: password}, nil
}

// DeactivateMailbox implements the monitor's credential store contract.
func (s *MailboxStore) DeactivateMailbox(ctx context.Context, email, userID string) error {
	return DeactivateMailbox(ctx, s.pool, email, userID)
}

// ListActiveMailboxes returns the mailboxes to resume on startup.
func (s *MailboxStore) ListActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error) {
	return ListActiveMailboxes(ctx, s.pool)
}

// RegisterMailbox seals the password and saves the mailbox.
func (s *MailboxStore) RegisterMailbox(ctx context.Context, mailbox *models.Mailbox, password string) error {
	sealed, err := s.encryptor.SealPassword(models.MailboxKey(mailbox.Email, mailbox.UserID), password)
	if err != nil {
		return fmt.Errorf("failed to seal mailbox password: %w", err)
	}
	return SaveMailbox(ctx, s.pool, mailbox, sealed)
}
