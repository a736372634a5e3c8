package headless

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/policy/simple"
)

// --- fakes ---

type fakeRenderer struct {
	page []byte
	err  error
}

func (f *fakeRenderer) Render(_ context.Context, _ string) ([]byte, error) {
	return f.page, f.err
}

func renderedJob() ingest.Job {
	return ingest.Job{
		BatchID: "batch-1",
		Board: ingest.Board{
			Campus:    "seoul",
			BoardID:   "cs-app",
			TargetURL: "https://cs.example.ac.kr/app/board",
			Profile: ingest.Profile{
				Kind:          ingest.ProfileRendered,
				RowSelector:   "div.row",
				TitleSelector: "a.title",
				LinkSelector:  "a.title",
				DateSelector:  "span.date",
			},
		},
	}
}

func TestExtractorParsesRenderedDOM(t *testing.T) {
	t.Parallel()

	page := []byte(`<html><body>
<div class="row"><a class="title" href="/app/view/1">Rendered one</a><span class="date">2026-03-12</span></div>
<div class="row"><a class="title" href="/app/view/2">Rendered two</a><span class="date">2026-03-13</span></div>
</body></html>`)

	e := NewExtractor(&fakeRenderer{page: page}, simple.New(), zap.NewNop())
	rows, err := e.Extract(context.Background(), renderedJob())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "Rendered one", rows[0].Title)
	require.Equal(t, "https://cs.example.ac.kr/app/view/1", rows[0].Link)
	require.Equal(t, "2026-03-12", rows[0].Date)
	require.Empty(t, rows[0].Body)
}

func TestExtractorRenderErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("tab crashed")
	e := NewExtractor(&fakeRenderer{err: boom}, simple.New(), zap.NewNop())
	_, err := e.Extract(context.Background(), renderedJob())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "render board cs-app")
}

func TestExtractorHonorsPolicy(t *testing.T) {
	t.Parallel()

	e := NewExtractor(&fakeRenderer{page: []byte("<html></html>")}, simple.New(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Extract(ctx, renderedJob())
	require.Error(t, err)
}
