package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelForScore(t *testing.T) {
	tests := []struct {
		score    int
		expected RiskLevel
	}{
		{0, RiskNone},
		{5, RiskLow},
		{29, RiskLow},
		{30, RiskMedium},
		{59, RiskMedium},
		{60, RiskHigh},
		{120, RiskHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, RiskLevelForScore(tt.score), "score %d", tt.score)
	}
}

func TestScanRecord_Transitions(t *testing.T) {
	now := time.Now()

	t.Run("completes a pending record once", func(t *testing.T) {
		rec := &ScanRecord{Status: ScanPending}
		require.NoError(t, rec.Complete(35, []string{"a", "b"}, now))

		assert.Equal(t, ScanCompleted, rec.Status)
		assert.Equal(t, RiskMedium, rec.RiskLevel)
		assert.Equal(t, "a; b", rec.Comment)
		assert.True(t, rec.IsTerminal())

		assert.ErrorIs(t, rec.Complete(0, nil, now), ErrRecordFinalized)
		assert.ErrorIs(t, rec.Abort("late", now), ErrRecordFinalized)
		assert.Equal(t, ScanCompleted, rec.Status)
	})

	t.Run("aborts a pending record", func(t *testing.T) {
		rec := &ScanRecord{Status: ScanPending}
		require.NoError(t, rec.Abort("extraction failed", now))

		assert.Equal(t, ScanAborted, rec.Status)
		assert.Equal(t, "Phishing scan aborted: extraction failed", rec.Comment)
		assert.ErrorIs(t, rec.Complete(10, nil, now), ErrRecordFinalized)
	})

	t.Run("copies threats", func(t *testing.T) {
		threats := []string{"x"}
		rec := &ScanRecord{Status: ScanPending}
		require.NoError(t, rec.Complete(0, threats, now))
		threats[0] = "mutated"
		assert.Equal(t, []string{"x"}, rec.Threats)
	})
}

func TestMailboxEndpoint(t *testing.T) {
	ep := MailboxEndpoint{Address: "alice@example.com", UserID: "u1", Host: "imap.example.com"}
	assert.Equal(t, "alice@example.com_u1", ep.Key())
	assert.Equal(t, "imap.example.com:993", ep.ServerAddress())

	ep.Port = 1143
	assert.Equal(t, "imap.example.com:1143", ep.ServerAddress())
}
