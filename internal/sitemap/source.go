package sitemap

import (
	"context"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// FileSource yields crawl targets from a site map file. The file is re-read
// on every call, so edits land on the next batch without a restart.
type FileSource struct {
	path       string
	exclusions *Exclusions
	logger     *zap.Logger
}

// NewFileSource builds a source over the given site map path. A nil
// exclusions matcher excludes nothing.
func NewFileSource(path string, exclusions *Exclusions, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		path:       path,
		exclusions: exclusions,
		logger:     logger,
	}
}

// Boards loads the site map and returns its boards minus the excluded ones.
func (s *FileSource) Boards(ctx context.Context) ([]ingest.Board, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sm, err := Load(s.path)
	if err != nil {
		return nil, err
	}

	all := sm.Boards()
	boards := make([]ingest.Board, 0, len(all))
	for _, board := range all {
		if s.exclusions.IsExcluded(board.BoardID) {
			s.logger.Debug("board excluded", zap.String("board_id", board.BoardID))
			continue
		}
		boards = append(boards, board)
	}

	s.logger.Debug("site map loaded",
		zap.String("path", s.path),
		zap.Int("boards", len(boards)),
		zap.Int("excluded", len(all)-len(boards)))
	return boards, nil
}
