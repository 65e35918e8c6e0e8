package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
)

// dialTimeout bounds the TCP and TLS handshake.
const dialTimeout = 5 * time.Second

// ConnectToIMAP connects to the IMAP server with a 5-second timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func ConnectToIMAP(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, &tls.Config{MinVersion: tls.VersionTLS12})
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("failed to dial with TLS: %w", err)}
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("failed to dial: %w", err)}
	}

	return c, nil
}

// Login authenticates with the IMAP server.
// A rejected login comes back as *AuthenticationError; a connection that broke
// during the exchange comes back as *TransportError.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		if isConnectionFailure(err) {
			return &TransportError{Op: "login", Err: err}
		}
		return &AuthenticationError{Username: username, Err: err}
	}

	return nil
}
