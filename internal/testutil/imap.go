package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/mailguard/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password",
// and an INBOX that already holds one message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	srv, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// StartIMAPServer starts an in-memory IMAP server on addr without TLS.
// The caller owns the server and must Close it.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	srv := &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
	srv.cleanup = func() {
		_ = s.Close()
	}
	return srv, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Endpoint returns a mailbox endpoint pointing at this server for the given user ID.
func (s *TestIMAPServer) Endpoint(t *testing.T, userID string) models.MailboxEndpoint {
	t.Helper()

	endpoint, err := s.MailboxEndpoint(userID)
	if err != nil {
		t.Fatalf("Failed to build endpoint: %v", err)
	}
	return endpoint
}

// MailboxEndpoint is Endpoint for callers without a *testing.T.
func (s *TestIMAPServer) MailboxEndpoint(userID string) (models.MailboxEndpoint, error) {
	host, portStr, err := net.SplitHostPort(s.Address)
	if err != nil {
		return models.MailboxEndpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return models.MailboxEndpoint{}, err
	}

	return models.MailboxEndpoint{
		Address:  s.username,
		UserID:   userID,
		Host:     host,
		Port:     port,
		Protocol: "imap",
	}, nil
}

// Credential returns valid credentials for the default user.
func (s *TestIMAPServer) Credential(t *testing.T, userID string) models.Credential {
	t.Helper()
	return models.Credential{Endpoint: s.Endpoint(t, userID), Password: s.password}
}

// AddMessage appends a plain-text message to INBOX with the given internal date.
func (s *TestIMAPServer) AddMessage(t *testing.T, messageID, subject, from, body string, receivedAt time.Time) {
	t.Helper()

	if err := s.Deliver(messageID, subject, from, body, receivedAt); err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
}

// AppendRaw appends an RFC 822 message to INBOX.
func (s *TestIMAPServer) AppendRaw(t *testing.T, raw string, receivedAt time.Time) {
	t.Helper()

	if err := s.Append(raw, receivedAt); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}

// Deliver builds a plain-text message and appends it to INBOX.
func (s *TestIMAPServer) Deliver(messageID, subject, from, body string, receivedAt time.Time) error {
	raw := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		messageID, receivedAt.Format(time.RFC1123Z), from, s.username+"@localhost", subject, body)
	return s.Append(raw, receivedAt)
}

// Append logs in over a fresh connection and appends raw to INBOX.
func (s *TestIMAPServer) Append(raw string, receivedAt time.Time) error {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = client.Logout() }()

	if err := client.Login(s.username, s.password); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	raw = strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", "\r\n")
	return client.Append("INBOX", []string{imap.SeenFlag}, receivedAt, strings.NewReader(raw))
}
