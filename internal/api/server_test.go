package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	batchmem "github.com/noticegrid/ingestor/internal/batch/memory"
	"github.com/noticegrid/ingestor/internal/config"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/snapshot"
	storemem "github.com/noticegrid/ingestor/internal/store/memory"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	rec := env.get("/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzWithoutSnapshot(t *testing.T) {
	t.Parallel()

	// An empty store is reachable, just unpublished.
	env := newEnv(t)
	rec := env.get("/readyz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	rec := env.get("/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestStartBatchRequiresAPIKey(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.starter.batch = ingest.Batch{ID: "batch-1", Version: "20260314093000"}

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "batch-1")
	require.Contains(t, rec.Body.String(), "20260314093000")
}

func TestStartBatchDoesNotGuardReads(t *testing.T) {
	t.Parallel()

	// The key binds only the trigger; the read surface stays open.
	env := newEnv(t)
	rec := env.get("/v1/batches")

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartBatchConflictWhileRunning(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.starter.err = ingest.ErrBatchActive

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartBatchUnavailableWithoutStarter(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	server := NewServer(env.reader, env.batches, env.source, nil, env.cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListBatchesNewestFirst(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	ctx := context.Background()
	older := ingest.Batch{ID: "batch-old", Version: "20260314090000", StartedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), State: ingest.BatchStatePublished}
	newer := ingest.Batch{ID: "batch-new", Version: "20260314100000", StartedAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), State: ingest.BatchStateRunning}
	require.NoError(t, env.batches.CreateBatch(ctx, older))
	require.NoError(t, env.batches.CreateBatch(ctx, newer))

	rec := env.get("/v1/batches?limit=1")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Batches []ingest.Batch `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Batches, 1)
	require.Equal(t, "batch-new", body.Batches[0].ID)
}

func TestListBatchesInvalidLimit(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	rec := env.get("/v1/batches?limit=-1")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBatchWithResults(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	ctx := context.Background()
	batch := ingest.Batch{ID: "batch-1", Version: "20260314093000", ExpectedJobs: 2, StartedAt: time.Now().UTC(), State: ingest.BatchStateRunning}
	require.NoError(t, env.batches.CreateBatch(ctx, batch))
	require.NoError(t, env.batches.RecordBoardResult(ctx, ingest.BoardResult{
		BatchID: "batch-1",
		BoardID: "cs-101",
		Status:  ingest.BoardStatusSucceeded,
	}))

	rec := env.get("/v1/batches/batch-1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cs-101")
	require.Contains(t, rec.Body.String(), "succeeded")
}

func TestGetBatchNotFound(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	rec := env.get("/v1/batches/missing")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBoards(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.source.boards = []ingest.Board{
		{
			Campus:         "seoul",
			DepartmentID:   "cs",
			DepartmentName: "Computer Science",
			BoardID:        "cs-101",
			BoardName:      "Undergraduate Notices",
			TargetURL:      "https://cs.example.ac.kr/board",
			Profile:        ingest.Profile{Kind: ingest.ProfileHTML, RowSelector: "table tr"},
		},
	}

	rec := env.get("/v1/boards")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cs-101")
	require.Contains(t, rec.Body.String(), `"profile":"html"`)
	// Selectors never leave the service.
	require.NotContains(t, rec.Body.String(), "table tr")
}

func TestListBoardsSourceError(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.source.err = errors.New("sitemap unreadable")

	rec := env.get("/v1/boards")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- fakes ---

type fakeStarter struct {
	batch ingest.Batch
	err   error
}

func (f *fakeStarter) StartBatch(context.Context) (ingest.Batch, error) {
	if f.err != nil {
		return ingest.Batch{}, f.err
	}
	return f.batch, nil
}

type fakeBoardSource struct {
	boards []ingest.Board
	err    error
}

func (f *fakeBoardSource) Boards(context.Context) ([]ingest.Board, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.boards, nil
}

type env struct {
	server  *Server
	objects *storemem.ObjectStore
	reader  *snapshot.Reader
	batches *batchmem.Store
	source  *fakeBoardSource
	starter *fakeStarter
	cfg     config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()

	objects := storemem.NewObjectStore()
	reader, err := snapshot.NewReader(objects)
	require.NoError(t, err)

	e := &env{
		objects: objects,
		reader:  reader,
		batches: batchmem.NewStore(),
		source:  &fakeBoardSource{},
		starter: &fakeStarter{},
		cfg: config.Config{
			Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
		},
	}
	e.server = NewServer(e.reader, e.batches, e.source, e.starter, e.cfg, zap.NewNop())
	return e
}

func (e *env) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}
