package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harvestd/harvestd/internal/harvest"
)

func TestProbeValidCredentials(t *testing.T) {
	t.Parallel()

	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, "/api/v1/me", 5*time.Second)
	live, err := p.Probe(context.Background(), harvest.Account{
		ID:          1,
		Credentials: map[string]string{"session": "s1", "auth": "a1"},
	})
	require.NoError(t, err)
	require.Equal(t, harvest.CredentialValid, live.State)
	require.GreaterOrEqual(t, live.LatencyMs, int64(0))
	require.Equal(t, "auth=a1; session=s1", gotCookie)
}

func TestProbeExpiredAndInvalid(t *testing.T) {
	t.Parallel()

	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, "/api/v1/me", 5*time.Second)
	acct := harvest.Account{ID: 1, Credentials: map[string]string{"session": "s1"}}

	live, err := p.Probe(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, harvest.CredentialExpired, live.State)

	status = http.StatusForbidden
	live, err = p.Probe(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, harvest.CredentialInvalid, live.State)
}

func TestProbeMissingCredentials(t *testing.T) {
	t.Parallel()

	p := NewProber("http://127.0.0.1:1", "/api/v1/me", time.Second)
	live, err := p.Probe(context.Background(), harvest.Account{ID: 2})
	require.NoError(t, err)
	require.Equal(t, harvest.CredentialMissing, live.State)
}

func TestProbeTransportFailure(t *testing.T) {
	t.Parallel()

	p := NewProber("http://127.0.0.1:1", "/api/v1/me", time.Second)
	_, err := p.Probe(context.Background(), harvest.Account{
		ID:          3,
		Credentials: map[string]string{"session": "s1"},
	})
	require.Error(t, err)
}
