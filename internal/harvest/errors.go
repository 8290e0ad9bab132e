package harvest

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for the expected failure modes. Callers branch with
// errors.Is; none of these should ever escape as a panic or kill the host
// process.
var (
	ErrAccountUnavailable = errors.New("no usable account available")
	ErrDirectiveBlocked   = errors.New("blocked by crawl directives")
	ErrRateLimited        = errors.New("rate limited by target")
	ErrNetworkFailure     = errors.New("network or automation failure")
	ErrPersistence        = errors.New("persistence failure")
	ErrPublish            = errors.New("publish failure")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrNotFound           = errors.New("not found")
)

// FailureKind labels a run failure for observability.
type FailureKind string

// Failure kinds surfaced per scheduler run.
const (
	FailureNone               FailureKind = ""
	FailureAccountUnavailable FailureKind = "account_unavailable"
	FailureDirectiveBlocked   FailureKind = "directive_blocked"
	FailureRateLimited        FailureKind = "rate_limited"
	FailureNetwork            FailureKind = "network_failure"
	FailureTimeout            FailureKind = "timeout"
	FailurePersistence        FailureKind = "persistence_failure"
	FailurePublish            FailureKind = "publish_failure"
)

// ClassifyError maps an error to its failure kind for metrics and status
// updates. Unknown errors count as network/automation failures, the
// broadest bucket.
func ClassifyError(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrAccountUnavailable):
		return FailureAccountUnavailable
	case errors.Is(err, ErrDirectiveBlocked):
		return FailureDirectiveBlocked
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrPersistence):
		return FailurePersistence
	case errors.Is(err, ErrPublish):
		return FailurePublish
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}
}
