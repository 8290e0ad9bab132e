package accounts

import (
	"context"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/metrics"
)

// HealthReport is the outcome of one health evaluation. The pool does not
// persist it; the caller decides what to do with the score.
type HealthReport struct {
	Score     int
	Unhealthy bool
	Reasons   []string
}

// EvaluateHealth probes the account's liveness and computes a composite
// score starting at 100. Probe failures are recorded as a reason and
// scored, never raised.
func (p *Pool) EvaluateHealth(ctx context.Context, acct harvest.Account) HealthReport {
	report := HealthReport{Score: 100}

	live, err := p.prober.Probe(ctx, acct)
	if err != nil {
		p.logger.Warn("liveness probe failed",
			zap.Int64("account_id", acct.ID), zap.Error(err))
		report.deduct(40, "liveness probe failed")
	} else {
		switch live.State {
		case harvest.CredentialValid:
		case harvest.CredentialExpired:
			report.deduct(40, "credential expired")
		case harvest.CredentialMissing:
			report.deduct(40, "credential missing")
		case harvest.CredentialInvalid:
			report.deduct(40, "credential invalid")
		}
		if live.LatencyMs > p.cfg.SlowProbeMs {
			report.deduct(20, "probe latency above threshold")
		}
	}

	if acct.ConsecutiveFailures > 0 {
		report.deduct(5*acct.ConsecutiveFailures, "consecutive failures")
	}
	if acct.ConsecutiveFailures > p.cfg.FailureThreshold {
		report.Unhealthy = true
	}

	switch acct.RiskLevel {
	case harvest.RiskHigh:
		report.deduct(30, "high ban risk")
	case harvest.RiskCritical:
		report.deduct(50, "critical ban risk")
	}

	if acct.UsageCount > p.cfg.HighUsageCount {
		report.deduct(10, "heavy usage")
	}

	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score > 100 {
		report.Score = 100
	}

	metrics.SetAccountHealth(accountLabel(acct.ID), report.Score)
	return report
}

func (r *HealthReport) deduct(points int, reason string) {
	r.Score -= points
	r.Reasons = append(r.Reasons, reason)
}
