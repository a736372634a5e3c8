// Package collyextract implements the static HTML extractor using gocolly.
package collyextract

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/extract"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
	"github.com/noticegrid/ingestor/internal/notice"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Extractor fetches a board's listing page (and optionally each notice's
// detail page) and applies the profile selectors.
type Extractor struct {
	cfg           Config
	policy        ingest.Policy
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds an Extractor. policy may be nil for unpaced runs.
func New(cfg Config, policy ingest.Policy, logger *zap.Logger) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Clones share the visited-URL store and every cycle refetches the same
	// board URLs, so revisits must stay allowed.
	c.AllowURLRevisit = true
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Extractor{
		cfg:           cfg,
		policy:        policy,
		baseCollector: c,
		logger:        logger,
	}
}

// Extract satisfies the extractor port for boards that never need the page
// bytes back.
func (e *Extractor) Extract(ctx context.Context, job ingest.Job) ([]notice.Raw, error) {
	rows, _, err := e.ExtractPage(ctx, job)
	return rows, err
}

// ExtractPage fetches the listing page, parses its rows and, when the profile
// names a body selector, follows each row's link for the detail body.
func (e *Extractor) ExtractPage(ctx context.Context, job ingest.Job) ([]notice.Raw, []byte, error) {
	board := job.Board
	page, err := e.fetch(ctx, board.TargetURL)
	if err != nil {
		metrics.ObserveFetch(board.TargetURL, "error", 0)
		return nil, nil, fmt.Errorf("fetch board %s: %w", board.BoardID, err)
	}
	metrics.ObserveFetch(board.TargetURL, "ok", len(page))

	rows, err := extract.ParseRows(board.TargetURL, page, board.Profile)
	if err != nil {
		return nil, nil, fmt.Errorf("board %s: %w", board.BoardID, err)
	}

	if board.Profile.BodySelector != "" {
		if err := e.fillBodies(ctx, board, rows); err != nil {
			return nil, nil, err
		}
	}
	return rows, page, nil
}

// fillBodies follows each row's detail link serially so the politeness budget
// applies between requests. A failed detail fetch leaves that body empty.
func (e *Extractor) fillBodies(ctx context.Context, board ingest.Board, rows []notice.Raw) error {
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fill bodies for board %s: %w", board.BoardID, err)
		}
		detail, err := e.fetch(ctx, rows[i].Link)
		if err != nil {
			metrics.ObserveFetch(rows[i].Link, "error", 0)
			e.logger.Warn("detail page fetch failed",
				zap.String("board_id", board.BoardID),
				zap.String("url", rows[i].Link),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveFetch(rows[i].Link, "ok", len(detail))
		body, err := extract.ExtractBody(detail, board.Profile.BodySelector)
		if err != nil {
			e.logger.Warn("detail page parse failed",
				zap.String("board_id", board.BoardID),
				zap.String("url", rows[i].Link),
				zap.Error(err),
			)
			continue
		}
		if len(body) > e.cfg.MaxBodyBytes {
			body = body[:e.cfg.MaxBodyBytes]
		}
		rows[i].Body = body
	}
	return nil
}

func (e *Extractor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if e.policy != nil {
		if err := e.policy.Wait(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	collector := e.baseCollector.Clone()
	var (
		body     []byte
		fetchErr error
		once     sync.Once
	)
	collector.OnResponse(func(r *colly.Response) {
		once.Do(func() {
			body = append([]byte(nil), r.Body...)
		})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		once.Do(func() {
			fetchErr = err
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return body, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
