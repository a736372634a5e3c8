package headless

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/extract"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
	"github.com/noticegrid/ingestor/internal/notice"
)

// Renderer produces the fully rendered DOM for a page URL.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// Extractor runs a board through the renderer and applies the board's
// selectors to the resulting DOM. Bodies come from the listing DOM;
// rendered boards have no detail-page pass.
type Extractor struct {
	renderer Renderer
	policy   ingest.Policy
	logger   *zap.Logger
}

// NewExtractor builds the rendered-board extractor. A nil policy skips
// politeness waits.
func NewExtractor(renderer Renderer, policy ingest.Policy, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{renderer: renderer, policy: policy, logger: logger}
}

// Extract implements ingest.Extractor.
func (e *Extractor) Extract(ctx context.Context, job ingest.Job) ([]notice.Raw, error) {
	board := job.Board
	if e.policy != nil {
		if err := e.policy.Wait(ctx, board.TargetURL); err != nil {
			return nil, err
		}
	}

	page, err := e.renderer.Render(ctx, board.TargetURL)
	if err != nil {
		metrics.ObserveFetch(board.TargetURL, "error", 0)
		return nil, fmt.Errorf("render board %s: %w", board.BoardID, err)
	}
	metrics.ObserveFetch(board.TargetURL, "ok", len(page))

	rows, err := extract.ParseRows(board.TargetURL, page, board.Profile)
	if err != nil {
		return nil, fmt.Errorf("board %s: %w", board.BoardID, err)
	}

	e.logger.Debug("rendered board extracted",
		zap.String("board_id", board.BoardID),
		zap.Int("rows", len(rows)))
	return rows, nil
}
