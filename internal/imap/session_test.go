package imap

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/testutil"
	"go.uber.org/zap/zaptest"
)

func dialTestServer(t *testing.T, server *testutil.TestIMAPServer) MailSession {
	t.Helper()

	dialer := NewDialer(false, zaptest.NewLogger(t))
	session, err := dialer.Dial(context.Background(), server.Credential(t, "user-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestDialer_Dial(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	t.Run("valid credentials", func(t *testing.T) {
		session := dialTestServer(t, server)
		assert.False(t, session.IsValid(), "no folder selected yet")
		assert.WithinDuration(t, time.Now(), session.LastActivity(), 5*time.Second)
	})

	t.Run("rejected credentials are fatal", func(t *testing.T) {
		cred := server.Credential(t, "user-1")
		cred.Password = "wrong"

		_, err := NewDialer(false, nil).Dial(context.Background(), cred)

		require.Error(t, err)
		assert.True(t, IsAuthenticationError(err))
		assert.Equal(t, OutcomeFatal, Classify(err))
	})

	t.Run("unreachable server is retryable", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		port, _ := strconv.Atoi(portStr)
		require.NoError(t, listener.Close())

		cred := models.Credential{
			Endpoint: models.MailboxEndpoint{Address: "username", UserID: "user-1", Host: "127.0.0.1", Port: port},
			Password: "password",
		}
		_, err = NewDialer(false, nil).Dial(context.Background(), cred)

		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, OutcomeRetryable, Classify(err))
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewDialer(false, nil).Dial(ctx, server.Credential(t, "user-1"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSession_OpenInbox(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	session := dialTestServer(t, server)

	require.NoError(t, session.OpenInbox(true))
	assert.True(t, session.IsValid())
	assert.NoError(t, session.Noop())
}

func TestSession_FetchRecent(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	now := time.Now()
	server.AddMessage(t, "<fresh@example.com>", "Verify your account", "Support <support@example.com>", "Click https://example.com/login", now)
	server.AddMessage(t, "<old@example.com>", "Old news", "news@example.com", "Nothing here", now.AddDate(0, 0, -30))

	session := dialTestServer(t, server)
	require.NoError(t, session.OpenInbox(true))

	messages, err := session.FetchRecent(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)

	var ids []string
	for i, msg := range messages {
		ids = append(ids, msg.MessageID)
		if i > 0 {
			assert.Greater(t, msg.UID, messages[i-1].UID, "messages come back in UID order")
		}
	}
	assert.Contains(t, ids, "<fresh@example.com>")
	assert.NotContains(t, ids, "<old@example.com>")

	for _, msg := range messages {
		if msg.MessageID != "<fresh@example.com>" {
			continue
		}
		assert.Equal(t, "Verify your account", msg.Subject)
		assert.Equal(t, []string{"Support <support@example.com>"}, msg.From)
		assert.True(t, msg.HasEnvelope)
		assert.Contains(t, string(msg.Raw), "https://example.com/login")
	}
}

func TestSession_FetchRecent_ExactWindow(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	now := time.Now()
	server.AddMessage(t, "<earlier@example.com>", "Earlier today", "news@example.com", "Sent before the window", now.Add(-30*time.Minute))
	server.AddMessage(t, "<inside@example.com>", "Just now", "news@example.com", "Sent inside the window", now)

	session := dialTestServer(t, server)
	require.NoError(t, session.OpenInbox(false))

	since := now.Add(-5 * time.Minute)
	messages, err := session.FetchRecent(context.Background(), since)
	require.NoError(t, err)

	var ids []string
	for _, msg := range messages {
		ids = append(ids, msg.MessageID)
		assert.True(t, msg.WithinWindow(since), "message %q is older than the window", msg.MessageID)
	}
	assert.Contains(t, ids, "<inside@example.com>")
	assert.NotContains(t, ids, "<earlier@example.com>")
}

func TestSession_WaitForChanges(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	t.Run("timeout returns nothing", func(t *testing.T) {
		session := dialTestServer(t, server)
		require.NoError(t, session.OpenInbox(true))

		start := time.Now()
		messages, err := session.WaitForChanges(context.Background(), 200*time.Millisecond)

		require.NoError(t, err)
		assert.Nil(t, messages)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.True(t, session.IsValid(), "session is reusable after a timeout")
	})

	t.Run("context cancellation interrupts the wait", func(t *testing.T) {
		session := dialTestServer(t, server)
		require.NoError(t, session.OpenInbox(true))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := session.WaitForChanges(ctx, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}

func TestSession_Close(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	session := dialTestServer(t, server)
	require.NoError(t, session.OpenInbox(true))

	require.NoError(t, session.Close())
	assert.False(t, session.IsValid())
	assert.NoError(t, session.Close(), "second close is a no-op")
}
