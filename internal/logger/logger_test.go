package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"development", "test", "production"} {
		t.Run(env, func(t *testing.T) {
			l, err := New(env)
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}

	t.Run("production omits debug", func(t *testing.T) {
		l, err := New("production")
		require.NoError(t, err)
		assert.Nil(t, l.Check(zap.DebugLevel, "hidden"))
	})
}

func TestForMailbox(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	ForMailbox(zap.New(core), "alice@example.com", "user-1").Info("connected")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "alice@example.com", fields["mailbox"])
	assert.Equal(t, "user-1", fields["user_id"])
}
