package extract_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/extract"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

// --- fakes ---

type fakePageExtractor struct {
	rows  []notice.Raw
	page  []byte
	err   error
	calls int
}

func (f *fakePageExtractor) ExtractPage(_ context.Context, _ ingest.Job) ([]notice.Raw, []byte, error) {
	f.calls++
	return f.rows, f.page, f.err
}

type fakeExtractor struct {
	rows  []notice.Raw
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ ingest.Job) ([]notice.Raw, error) {
	f.calls++
	return f.rows, f.err
}

type fakeDetector struct {
	render bool
}

func (f fakeDetector) ShouldRender(_ []byte) bool {
	return f.render
}

func htmlJob() ingest.Job {
	return ingest.Job{
		BatchID: "batch-1",
		Board: ingest.Board{
			BoardID:   "cs-101",
			TargetURL: "https://cs.example.ac.kr/board",
			Profile:   ingest.Profile{Kind: ingest.ProfileHTML, RowSelector: "tr", TitleSelector: "a", LinkSelector: "a"},
		},
	}
}

func TestRouterStaticPath(t *testing.T) {
	t.Parallel()

	html := &fakePageExtractor{rows: []notice.Raw{{Title: "a", Link: "https://x/1"}}}
	rendered := &fakeExtractor{}
	router := extract.NewRouter(html, nil, rendered, fakeDetector{render: true}, zap.NewNop())

	rows, err := router.Extract(context.Background(), htmlJob())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Zero(t, rendered.calls, "non-empty static result must not promote")
}

func TestRouterPromotesEmptyShellPage(t *testing.T) {
	t.Parallel()

	html := &fakePageExtractor{page: []byte(`<div id="root"></div>`)}
	rendered := &fakeExtractor{rows: []notice.Raw{{Title: "rendered", Link: "https://x/2"}}}
	router := extract.NewRouter(html, nil, rendered, fakeDetector{render: true}, zap.NewNop())

	rows, err := router.Extract(context.Background(), htmlJob())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "rendered", rows[0].Title)
	require.Equal(t, 1, rendered.calls)
}

func TestRouterEmptyStaticPageStaysEmpty(t *testing.T) {
	t.Parallel()

	html := &fakePageExtractor{page: []byte("<html><body>plain page</body></html>")}
	rendered := &fakeExtractor{rows: []notice.Raw{{Title: "rendered", Link: "https://x/2"}}}
	router := extract.NewRouter(html, nil, rendered, fakeDetector{render: false}, zap.NewNop())

	rows, err := router.Extract(context.Background(), htmlJob())
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Zero(t, rendered.calls)
}

func TestRouterStaticErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("fetch failed")
	html := &fakePageExtractor{err: boom}
	router := extract.NewRouter(html, nil, nil, nil, zap.NewNop())

	_, err := router.Extract(context.Background(), htmlJob())
	require.ErrorIs(t, err, boom)
}

func TestRouterRenderedProfileRequiresRenderer(t *testing.T) {
	t.Parallel()

	job := htmlJob()
	job.Board.Profile.Kind = ingest.ProfileRendered
	router := extract.NewRouter(&fakePageExtractor{}, nil, nil, nil, zap.NewNop())

	_, err := router.Extract(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "headless rendering is disabled")
}

func TestRouterDispatchesRSS(t *testing.T) {
	t.Parallel()

	job := htmlJob()
	job.Board.Profile = ingest.Profile{Kind: ingest.ProfileRSS}
	rss := &fakeExtractor{rows: []notice.Raw{{Title: "feed item", Link: "https://x/3"}}}
	router := extract.NewRouter(nil, rss, nil, nil, zap.NewNop())

	rows, err := router.Extract(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, rss.calls)
}

func TestRouterUnknownProfileKind(t *testing.T) {
	t.Parallel()

	job := htmlJob()
	job.Board.Profile.Kind = "soap"
	router := extract.NewRouter(&fakePageExtractor{}, nil, nil, nil, zap.NewNop())

	_, err := router.Extract(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported profile kind")
}
