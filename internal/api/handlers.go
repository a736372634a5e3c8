package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/diff"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

const (
	// readTimeout bounds one snapshot or batch-store read; the object store
	// may be remote.
	readTimeout = 10 * time.Second

	defaultBatchLimit = 20
	maxBatchLimit     = 100

	versionLatest = "latest"
	versionLen    = 14
	noticeIDLen   = 64
)

// getLatest handles GET /v1/latest. It returns the published pointer, or 404
// when nothing has been published yet.
func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	ptr, err := s.reader.LatestPointer(ctx)
	if err != nil {
		s.writeReadError(w, err, "pointer")
		return
	}
	writeJSON(w, http.StatusOK, ptr)
}

// getIndex handles GET /v1/snapshots/{version}/index?scope=. An empty scope
// returns the full index; "campus:<name>" and "category:<name>" return the
// pre-filtered files the writer published.
func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	version, err := s.resolveVersion(ctx, r)
	if err != nil {
		s.writeVersionError(w, err)
		return
	}

	var entries []notice.IndexEntry
	scope := strings.TrimSpace(r.URL.Query().Get("scope"))
	switch {
	case scope == "":
		entries, err = s.reader.IndexAll(ctx, version)
	case strings.HasPrefix(scope, "campus:"):
		campus := strings.TrimPrefix(scope, "campus:")
		if campus == "" {
			writeError(w, http.StatusBadRequest, "invalid scope")
			return
		}
		entries, err = s.reader.IndexCampus(ctx, version, campus)
	case strings.HasPrefix(scope, "category:"):
		category := strings.TrimPrefix(scope, "category:")
		if category == "" {
			writeError(w, http.StatusBadRequest, "invalid scope")
			return
		}
		entries, err = s.reader.IndexCategory(ctx, version, category)
	default:
		writeError(w, http.StatusBadRequest, "invalid scope")
		return
	}
	if err != nil {
		s.writeReadError(w, err, "index")
		return
	}
	if entries == nil {
		entries = []notice.IndexEntry{}
	}
	writeJSON(w, http.StatusOK, indexResponse{
		Version: version,
		Count:   len(entries),
		Notices: entries,
	})
}

// getDiff handles GET /v1/snapshots/{version}/diff.
func (s *Server) getDiff(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	version, err := s.resolveVersion(ctx, r)
	if err != nil {
		s.writeVersionError(w, err)
		return
	}
	d, err := s.reader.Diff(ctx, version)
	if err != nil {
		s.writeReadError(w, err, "diff")
		return
	}
	writeJSON(w, http.StatusOK, diffResponse{Version: version, Diff: d})
}

// getErrors handles GET /v1/snapshots/{version}/errors.
func (s *Server) getErrors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	version, err := s.resolveVersion(ctx, r)
	if err != nil {
		s.writeVersionError(w, err)
		return
	}
	entries, err := s.reader.Errors(ctx, version)
	if err != nil {
		s.writeReadError(w, err, "error manifest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"errors":  entries,
	})
}

// getStats handles GET /v1/snapshots/{version}/stats.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	version, err := s.resolveVersion(ctx, r)
	if err != nil {
		s.writeVersionError(w, err)
		return
	}
	stats, err := s.reader.Stats(ctx, version)
	if err != nil {
		s.writeReadError(w, err, "stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// getNotice handles GET /v1/snapshots/{version}/notices/{notice_id}. It
// returns the full record, body included.
func (s *Server) getNotice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	version, err := s.resolveVersion(ctx, r)
	if err != nil {
		s.writeVersionError(w, err)
		return
	}
	noticeID := chi.URLParam(r, "notice_id")
	if len(noticeID) != noticeIDLen || !isLowerHex(noticeID) {
		writeError(w, http.StatusBadRequest, "invalid notice id")
		return
	}
	n, err := s.reader.Detail(ctx, version, noticeID)
	if err != nil {
		s.writeReadError(w, err, "notice")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// listBoards handles GET /v1/boards. It reflects the site map as currently
// configured, not as of any published snapshot.
func (s *Server) listBoards(w http.ResponseWriter, r *http.Request) {
	if s.boards == nil {
		writeError(w, http.StatusServiceUnavailable, "board source unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	boards, err := s.boards.Boards(ctx)
	if err != nil {
		s.logger.Error("list boards failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load site map")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"boards": toBoardDTOs(boards),
		"count":  len(boards),
	})
}

// listBatches handles GET /v1/batches?limit=&offset=, newest first.
func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	batches, err := s.batches.ListBatches(ctx, limit, offset)
	if err != nil {
		s.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	if batches == nil {
		batches = []ingest.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// getBatch handles GET /v1/batches/{batch_id}. It returns the batch record
// together with its recorded board results.
func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, ingest.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.logger.Error("get batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	results, err := s.batches.ListBoardResults(ctx, batchID)
	if err != nil {
		s.logger.Error("list board results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load board results")
		return
	}
	if results == nil {
		results = []ingest.BoardResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":   batch,
		"results": results,
	})
}

// resolveVersion reads the {version} URL parameter; "latest" resolves through
// the pointer.
func (s *Server) resolveVersion(ctx context.Context, r *http.Request) (string, error) {
	raw := chi.URLParam(r, "version")
	if raw == versionLatest {
		ptr, err := s.reader.LatestPointer(ctx)
		if err != nil {
			return "", err
		}
		return ptr.Version, nil
	}
	if len(raw) != versionLen || !isDigits(raw) {
		return "", errInvalidVersion
	}
	return raw, nil
}

var errInvalidVersion = errors.New("invalid version")

func (s *Server) writeVersionError(w http.ResponseWriter, err error) {
	if errors.Is(err, errInvalidVersion) {
		writeError(w, http.StatusBadRequest, errInvalidVersion.Error())
		return
	}
	s.writeReadError(w, err, "pointer")
}

// writeReadError maps snapshot read failures onto HTTP statuses. Missing
// objects and a missing pointer are both not-found; everything else is the
// store misbehaving.
func (s *Server) writeReadError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, ingest.ErrNoSnapshot):
		writeError(w, http.StatusNotFound, "no published snapshot")
	case errors.Is(err, ingest.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	default:
		s.logger.Error("snapshot read failed", zap.String("object", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read "+what)
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

type indexResponse struct {
	Version string              `json:"version"`
	Count   int                 `json:"count"`
	Notices []notice.IndexEntry `json:"notices"`
}

type diffResponse struct {
	Version string `json:"version"`
	diff.Diff
}

func toBoardDTOs(in []ingest.Board) []boardDTO {
	out := make([]boardDTO, 0, len(in))
	for _, b := range in {
		out = append(out, boardDTO{
			Campus:         b.Campus,
			College:        b.College,
			DepartmentID:   b.DepartmentID,
			DepartmentName: b.DepartmentName,
			BoardID:        b.BoardID,
			BoardName:      b.BoardName,
			Category:       b.Category,
			TargetURL:      b.TargetURL,
			Profile:        string(b.Profile.Kind),
		})
	}
	return out
}

// boardDTO is the board as the read surface presents it: coordinates and
// target only, no extraction selectors.
type boardDTO struct {
	Campus         string `json:"campus"`
	College        string `json:"college,omitempty"`
	DepartmentID   string `json:"department_id"`
	DepartmentName string `json:"department_name"`
	BoardID        string `json:"board_id"`
	BoardName      string `json:"board_name"`
	Category       string `json:"category,omitempty"`
	TargetURL      string `json:"target_url"`
	Profile        string `json:"profile"`
}
