package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status RunStatus
		want   string
	}{
		{RunStatusCreated, "created"},
		{RunStatusQueued, "queued"},
		{RunStatusRunning, "running"},
		{RunStatusProcessingHuman, "processing_human_evidence"},
		{RunStatusCompleted, "completed"},
		{RunStatusFailed, "failed"},
		{RunStatusDisputed, "disputed"},
		{RunStatusResolved, "resolved"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunStatusCreated, false},
		{RunStatusQueued, false},
		{RunStatusRunning, false},
		{RunStatusProcessingHuman, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusDisputed, true},
		{RunStatusResolved, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestModeValid(t *testing.T) {
	t.Parallel()
	assert.True(t, ModeAI.Valid())
	assert.True(t, ModeHuman.Valid())
	assert.True(t, ModeHybrid.Valid())
	assert.False(t, Mode("manual").Valid())
	assert.False(t, Mode("").Valid())
}

func TestLedgerReasonValid(t *testing.T) {
	t.Parallel()
	for _, r := range []LedgerReason{LedgerQuotaDebit, LedgerPenalty, LedgerRefund, LedgerBonus} {
		assert.True(t, r.Valid(), string(r))
	}
	assert.False(t, LedgerReason("chargeback").Valid())
}

func TestRateWindowExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := &RateWindow{WindowStart: now.Add(-time.Hour), WindowEnd: now.Add(time.Minute)}

	assert.False(t, w.Expired(now))
	assert.True(t, w.Expired(now.Add(time.Minute)))
	assert.True(t, w.Expired(now.Add(2*time.Hour)))
}
