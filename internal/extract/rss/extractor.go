// Package rssextract pulls notice rows out of RSS and Atom board feeds.
package rssextract

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
	"github.com/noticegrid/ingestor/internal/notice"
)

// maxFeedBytes bounds how much of a feed document is read. Board feeds
// are small; anything beyond this is a misconfigured target.
const maxFeedBytes = 8 << 20

// Config carries the knobs for the feed extractor.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Extractor fetches a board's feed URL and maps its items to raw rows.
type Extractor struct {
	cfg    Config
	policy ingest.Policy
	parser *gofeed.Parser
	client *http.Client
	logger *zap.Logger
}

// New builds a feed extractor. A nil policy skips politeness waits.
func New(cfg Config, policy ingest.Policy, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Extractor{
		cfg:    cfg,
		policy: policy,
		parser: gofeed.NewParser(),
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Extract implements ingest.Extractor for feed-backed boards.
func (e *Extractor) Extract(ctx context.Context, job ingest.Job) ([]notice.Raw, error) {
	board := job.Board
	data, err := e.fetch(ctx, board.TargetURL)
	if err != nil {
		metrics.ObserveFetch(board.TargetURL, "error", 0)
		return nil, fmt.Errorf("fetch feed for board %s: %w", board.BoardID, err)
	}
	metrics.ObserveFetch(board.TargetURL, "ok", len(data))

	feed, err := e.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed for board %s: %w", board.BoardID, err)
	}

	rows := make([]notice.Raw, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		row := e.rowFromItem(item)
		if row.Title == "" || row.Link == "" {
			e.logger.Debug("skipping feed item without title or link",
				zap.String("board_id", board.BoardID),
				zap.String("feed_url", board.TargetURL))
			continue
		}
		rows = append(rows, row)
	}

	e.logger.Debug("feed extracted",
		zap.String("board_id", board.BoardID),
		zap.Int("items", len(feed.Items)),
		zap.Int("rows", len(rows)))
	return rows, nil
}

func (e *Extractor) rowFromItem(item *gofeed.Item) notice.Raw {
	row := notice.Raw{
		Title:  strings.TrimSpace(item.Title),
		Link:   strings.TrimSpace(cmp.Or(item.Link, item.GUID)),
		Author: firstAuthor(item),
		Body:   strings.TrimSpace(cmp.Or(item.Content, item.Description)),
	}
	if len(row.Body) > e.cfg.MaxBodyBytes {
		row.Body = row.Body[:e.cfg.MaxBodyBytes]
	}
	if item.PublishedParsed != nil {
		row.Date = item.PublishedParsed.UTC().Format("2006-01-02")
	} else {
		row.Date = strings.TrimSpace(item.Published)
	}
	return row
}

func firstAuthor(item *gofeed.Item) string {
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		return strings.TrimSpace(item.Authors[0].Name)
	}
	if item.Author != nil {
		return strings.TrimSpace(item.Author.Name)
	}
	return ""
}

func (e *Extractor) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	if e.policy != nil {
		if err := e.policy.Wait(ctx, feedURL); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return data, nil
}
