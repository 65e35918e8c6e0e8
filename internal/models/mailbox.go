package models

import (
	"net"
	"strconv"
	"time"
)

// MailboxEndpoint identifies one monitored inbox.
// Identity is (Address, UserID); the remaining fields are fixed once monitoring starts.
type MailboxEndpoint struct {
	MailboxID int64  `json:"mailbox_id"`
	Address   string `json:"address"`
	UserID    string `json:"user_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
}

// Key returns the registry key for the endpoint.
func (e MailboxEndpoint) Key() string {
	return MailboxKey(e.Address, e.UserID)
}

// ServerAddress returns host:port for dialing.
func (e MailboxEndpoint) ServerAddress() string {
	port := e.Port
	if port == 0 {
		port = 993
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// MailboxKey builds the key used for per-mailbox state.
func MailboxKey(address, userID string) string {
	return address + "_" + userID
}

// Credential is the result of a mailbox lookup: where to connect and with what password.
type Credential struct {
	Endpoint MailboxEndpoint
	Password string
}

// Mailbox is the stored mailbox row as seen by the monitor.
type Mailbox struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	UserID    string    `json:"user_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Endpoint converts the stored row into a MailboxEndpoint.
func (m *Mailbox) Endpoint() MailboxEndpoint {
	return MailboxEndpoint{
		MailboxID: m.ID,
		Address:   m.Email,
		UserID:    m.UserID,
		Host:      m.Host,
		Port:      m.Port,
		Protocol:  m.Protocol,
	}
}
