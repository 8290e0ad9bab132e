package platform

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// Prober checks account credential liveness by requesting an
// authenticated endpoint with the account's cookie bundle.
type Prober struct {
	client   *http.Client
	probeURL string
}

// NewProber creates a liveness prober against baseURL+probePath.
func NewProber(baseURL, probePath string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		client:   &http.Client{Timeout: timeout},
		probeURL: strings.TrimRight(baseURL, "/") + probePath,
	}
}

// Probe reports the credential state of one account. Transport failures
// are returned as errors; the caller decides how to score them.
func (p *Prober) Probe(ctx context.Context, account harvest.Account) (harvest.Liveness, error) {
	if len(account.Credentials) == 0 {
		return harvest.Liveness{State: harvest.CredentialMissing}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return harvest.Liveness{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Cookie", cookieHeader(account.Credentials))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return harvest.Liveness{}, fmt.Errorf("probe %s: %w", p.probeURL, err)
	}
	defer resp.Body.Close()

	live := harvest.Liveness{LatencyMs: time.Since(start).Milliseconds()}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		live.State = harvest.CredentialValid
	case resp.StatusCode == http.StatusUnauthorized:
		live.State = harvest.CredentialExpired
	default:
		live.State = harvest.CredentialInvalid
	}
	return live, nil
}

// cookieHeader renders the credential bundle as a Cookie header value
// with deterministic key order.
func cookieHeader(credentials map[string]string) string {
	keys := make([]string, 0, len(credentials))
	for k := range credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+credentials[k])
	}
	return strings.Join(parts, "; ")
}
