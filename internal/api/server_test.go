package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/accounts"
	systemclock "github.com/harvestd/harvestd/internal/clock/system"
	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/dispatcher"
	"github.com/harvestd/harvestd/internal/harvest"
	sha "github.com/harvestd/harvestd/internal/hash/sha256"
	uuidgen "github.com/harvestd/harvestd/internal/id/uuid"
	"github.com/harvestd/harvestd/internal/ingest"
	"github.com/harvestd/harvestd/internal/metrics"
	pubmemory "github.com/harvestd/harvestd/internal/publisher/memory"
	queuememory "github.com/harvestd/harvestd/internal/queue/memory"
	storememory "github.com/harvestd/harvestd/internal/storage/memory"
)

func init() {
	metrics.Init()
}

type staticProber struct{}

func (staticProber) Probe(context.Context, harvest.Account) (harvest.Liveness, error) {
	return harvest.Liveness{State: harvest.CredentialValid, LatencyMs: 10}, nil
}

func newTestServer(t *testing.T) (*Server, *queuememory.Queue) {
	t.Helper()

	clock := systemclock.New()
	queue := queuememory.NewQueue(8)
	disp := dispatcher.New(queue, nil)

	accountStore := storememory.NewAccountStore(harvest.Account{
		ID:     1,
		Status: harvest.AccountStatusActive,
	})
	pool := accounts.NewPool(accountStore, staticProber{}, clock, config.AccountsConfig{
		FailureThreshold: 5,
		HighUsageCount:   500,
		SlowProbeMs:      8000,
	}, zap.NewNop())

	pipeline := ingest.New(
		storememory.NewDocumentStore(),
		storememory.NewBlobStore(),
		pubmemory.New(),
		sha.New(),
		clock,
		uuidgen.NewGenerator(),
		config.IngestConfig{},
		ingest.OutputConfig{Topic: "content"},
		zap.NewNop(),
	)

	return NewServer(disp, pool, pipeline, clock, zap.NewNop()), queue
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitTaskEnqueues(t *testing.T) {
	t.Parallel()

	srv, queue := newTestServer(t)
	body, err := json.Marshal(map[string]any{
		"task_id":          42,
		"keyword":          "widgets",
		"start":            "2026-05-01T00:00:00Z",
		"end":              "2026-05-02T00:00:00Z",
		"is_initial_crawl": true,
		"crawl_modes":      []string{"search", "detail", "comment"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), task.TaskID)
	require.Equal(t, "widgets", task.Keyword)
	require.True(t, task.IsInitialCrawl)
	require.Equal(t, []harvest.CrawlMode{harvest.ModeSearch, harvest.ModeDetail, harvest.ModeComment}, task.Modes)
	require.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), task.WindowStart.UTC())
}

func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	cases := map[string]map[string]any{
		"missing keyword": {"task_id": 1},
		"unknown mode":    {"keyword": "widgets", "crawl_modes": []string{"telepathy"}},
		"bad start":       {"keyword": "widgets", "start": "yesterday"},
		"inverted window": {
			"keyword": "widgets",
			"start":   "2026-05-02T00:00:00Z",
			"end":     "2026-05-01T00:00:00Z",
		},
	}

	for name, payload := range cases {
		body, err := json.Marshal(payload)
		require.NoError(t, err, name)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestRunSweepReturnsCounts(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/lifecycle/sweep", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"archived":0,"deleted":0}`, rec.Body.String())
}
