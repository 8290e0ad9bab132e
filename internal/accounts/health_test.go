package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harvestd/harvestd/internal/harvest"
)

func TestEvaluateHealth_PerfectAccountScoresFull(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, newFakeAccountStore(), &fakeProber{
		live: harvest.Liveness{State: harvest.CredentialValid, LatencyMs: 100},
	})

	report := pool.EvaluateHealth(context.Background(), activeAccount(1, 0))
	require.Equal(t, 100, report.Score)
	require.False(t, report.Unhealthy)
	require.Empty(t, report.Reasons)
}

func TestEvaluateHealth_Deductions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		live  harvest.Liveness
		probe error
		acct  harvest.Account
		want  int
	}{
		{
			name: "expired credential",
			live: harvest.Liveness{State: harvest.CredentialExpired},
			acct: activeAccount(1, 0),
			want: 60,
		},
		{
			name: "slow probe",
			live: harvest.Liveness{State: harvest.CredentialValid, LatencyMs: 9000},
			acct: activeAccount(1, 0),
			want: 80,
		},
		{
			name: "consecutive failures",
			live: harvest.Liveness{State: harvest.CredentialValid},
			acct: harvest.Account{ID: 1, Status: harvest.AccountStatusActive, ConsecutiveFailures: 4, RiskLevel: harvest.RiskLow},
			want: 80,
		},
		{
			name: "critical risk",
			live: harvest.Liveness{State: harvest.CredentialValid},
			acct: harvest.Account{ID: 1, Status: harvest.AccountStatusActive, RiskLevel: harvest.RiskCritical},
			want: 50,
		},
		{
			name: "heavy usage",
			live: harvest.Liveness{State: harvest.CredentialValid},
			acct: harvest.Account{ID: 1, Status: harvest.AccountStatusActive, UsageCount: 501, RiskLevel: harvest.RiskLow},
			want: 90,
		},
		{
			name:  "probe failure scored not raised",
			probe: errors.New("probe down"),
			acct:  activeAccount(1, 0),
			want:  60,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pool := newTestPool(t, newFakeAccountStore(), &fakeProber{live: tc.live, err: tc.probe})
			report := pool.EvaluateHealth(context.Background(), tc.acct)
			require.Equal(t, tc.want, report.Score)
		})
	}
}

func TestEvaluateHealth_ScoreClampsToZero(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, newFakeAccountStore(), &fakeProber{
		live: harvest.Liveness{State: harvest.CredentialInvalid, LatencyMs: 20000},
	})
	acct := harvest.Account{
		ID:                  1,
		Status:              harvest.AccountStatusActive,
		ConsecutiveFailures: 20,
		RiskLevel:           harvest.RiskCritical,
		UsageCount:          10000,
	}

	report := pool.EvaluateHealth(context.Background(), acct)
	require.Equal(t, 0, report.Score)
	require.True(t, report.Unhealthy)
}

func TestEvaluateHealth_UnhealthyFlagAboveFailureThreshold(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, newFakeAccountStore(), &fakeProber{
		live: harvest.Liveness{State: harvest.CredentialValid},
	})
	acct := harvest.Account{ID: 1, Status: harvest.AccountStatusActive, ConsecutiveFailures: 6, RiskLevel: harvest.RiskLow}

	report := pool.EvaluateHealth(context.Background(), acct)
	require.True(t, report.Unhealthy)
	require.Equal(t, 70, report.Score)
}
