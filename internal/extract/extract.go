// Package extract turns board pages and feeds into raw notice rows. The
// Router picks the extraction strategy from the board's profile and owns the
// single headless retry for script-rendered boards.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

// PageExtractor is implemented by the static HTML extractor. It returns the
// fetched listing page alongside the rows so the shell detector can judge an
// empty result.
type PageExtractor interface {
	ExtractPage(ctx context.Context, job ingest.Job) ([]notice.Raw, []byte, error)
}

// Router dispatches extraction on the board's profile kind.
type Router struct {
	html     PageExtractor
	rss      ingest.Extractor
	rendered ingest.Extractor
	detector ingest.ShellDetector
	logger   *zap.Logger
}

// NewRouter wires the per-kind extractors. rss, rendered and detector may be
// nil; boards needing a missing strategy fail with a terminal error.
func NewRouter(html PageExtractor, rss, rendered ingest.Extractor, detector ingest.ShellDetector, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		html:     html,
		rss:      rss,
		rendered: rendered,
		detector: detector,
		logger:   logger,
	}
}

// Extract fetches and parses the board behind the job. A static extraction
// that yields zero rows on a page the detector flags as script-rendered is
// retried once through the headless renderer.
func (r *Router) Extract(ctx context.Context, job ingest.Job) ([]notice.Raw, error) {
	board := job.Board
	switch board.Profile.Kind {
	case ingest.ProfileHTML:
		if r.html == nil {
			return nil, fmt.Errorf("board %s: no static extractor configured", board.BoardID)
		}
		rows, page, err := r.html.ExtractPage(ctx, job)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 && r.rendered != nil && r.detector != nil && r.detector.ShouldRender(page) {
			r.logger.Info("promoting empty board to headless render",
				zap.String("board_id", board.BoardID),
				zap.String("url", board.TargetURL),
			)
			return r.rendered.Extract(ctx, job)
		}
		return rows, nil
	case ingest.ProfileRSS:
		if r.rss == nil {
			return nil, fmt.Errorf("board %s: no feed extractor configured", board.BoardID)
		}
		return r.rss.Extract(ctx, job)
	case ingest.ProfileRendered:
		if r.rendered == nil {
			return nil, fmt.Errorf("board %s has a rendered profile but headless rendering is disabled", board.BoardID)
		}
		return r.rendered.Extract(ctx, job)
	default:
		return nil, fmt.Errorf("board %s has unsupported profile kind %q", board.BoardID, board.Profile.Kind)
	}
}
