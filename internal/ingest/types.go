// Package ingest defines core types shared across the pipeline subsystems.
package ingest

import (
	"strings"
	"time"

	"github.com/noticegrid/ingestor/internal/notice"
)

// BatchState represents the lifecycle state of an ingestion batch.
type BatchState string

// Batch states persisted in the batch store.
const (
	BatchStateRunning   BatchState = "running"
	BatchStatePublished BatchState = "published"
	BatchStateFailed    BatchState = "failed"
)

// BoardStatus represents the outcome of one board's job within a batch.
type BoardStatus string

// Board result statuses recorded for drain detection.
const (
	BoardStatusSucceeded BoardStatus = "succeeded"
	BoardStatusDegraded  BoardStatus = "degraded"
	BoardStatusFailed    BoardStatus = "failed"
)

// ProfileKind selects the extraction strategy for a board.
type ProfileKind string

// Extraction strategies supported by the extractor router.
const (
	ProfileHTML     ProfileKind = "html"
	ProfileRSS      ProfileKind = "rss"
	ProfileRendered ProfileKind = "rendered"
)

// Profile carries the CMS selector set used to extract notice rows from a board.
type Profile struct {
	Kind           ProfileKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	RowSelector    string      `json:"row_selector,omitempty" yaml:"row_selector" mapstructure:"row_selector"`
	TitleSelector  string      `json:"title_selector,omitempty" yaml:"title_selector" mapstructure:"title_selector"`
	DateSelector   string      `json:"date_selector,omitempty" yaml:"date_selector" mapstructure:"date_selector"`
	AuthorSelector string      `json:"author_selector,omitempty" yaml:"author_selector" mapstructure:"author_selector"`
	LinkSelector   string      `json:"link_selector,omitempty" yaml:"link_selector" mapstructure:"link_selector"`
	LinkAttr       string      `json:"link_attr,omitempty" yaml:"link_attr" mapstructure:"link_attr"`
	BodySelector   string      `json:"body_selector,omitempty" yaml:"body_selector" mapstructure:"body_selector"`
}

// Board identifies one crawl target inside the site map hierarchy.
type Board struct {
	Campus         string  `json:"campus" yaml:"campus"`
	College        string  `json:"college,omitempty" yaml:"college"`
	DepartmentID   string  `json:"department_id" yaml:"department_id"`
	DepartmentName string  `json:"department_name" yaml:"department_name"`
	BoardID        string  `json:"board_id" yaml:"board_id"`
	BoardName      string  `json:"board_name" yaml:"board_name"`
	Category       string  `json:"category,omitempty" yaml:"category"`
	TargetURL      string  `json:"target_url" yaml:"target_url"`
	Profile        Profile `json:"profile" yaml:"profile"`
}

// Normalize builds the canonical notice record for one extracted row on this
// board. The identity fields are derived here and nowhere else.
func (b Board) Normalize(raw notice.Raw) notice.Notice {
	link := notice.NormalizeLink(raw.Link)
	n := notice.Notice{
		Campus:         strings.TrimSpace(b.Campus),
		College:        strings.TrimSpace(b.College),
		DepartmentID:   strings.TrimSpace(b.DepartmentID),
		DepartmentName: strings.TrimSpace(b.DepartmentName),
		BoardID:        strings.TrimSpace(b.BoardID),
		BoardName:      strings.TrimSpace(b.BoardName),
		Category:       notice.NormalizeCategory(b.Category),
		Title:          notice.Clean(raw.Title),
		Author:         notice.Clean(raw.Author),
		Date:           notice.Clean(raw.Date),
		Link:           link,
		Body:           strings.TrimSpace(raw.Body),
	}
	n.ID = notice.CanonicalID(b.Campus, b.DepartmentID, b.BoardID, notice.SourceKey(link), link)
	n.ContentHash = notice.HashContent(n)
	return n
}

// Job is the unit of work published to the queue: one board crawl inside one batch.
// Jobs may be redelivered, so all of their effects must be idempotent.
type Job struct {
	BatchID string `json:"batch_id"`
	Board   Board  `json:"board"`
}

// Batch is the metadata persisted when the orchestrator fans out a crawl cycle.
type Batch struct {
	ID           string     `json:"id"`
	Version      string     `json:"version"`
	ExpectedJobs int        `json:"expected_jobs"`
	StartedAt    time.Time  `json:"started_at"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	State        BatchState `json:"state"`
}

// BoardResult records one board's outcome within a batch; the count of recorded
// results against ExpectedJobs is what drain detection observes.
type BoardResult struct {
	BatchID     string      `json:"batch_id"`
	BoardID     string      `json:"board_id"`
	Status      BoardStatus `json:"status"`
	NoticeCount int         `json:"notice_count"`
	Error       string      `json:"error,omitempty"`
	RecordedAt  time.Time   `json:"recorded_at"`
}

// BoardState is the durable per-board record backing the sanity guard and the
// stale-fallback expiry. It is read as an explicit side read, never shared memory.
type BoardState struct {
	BoardID       string    `json:"board_id"`
	LastCount     int       `json:"last_count"`
	LastSuccessAt time.Time `json:"last_success_at"`
	FailureStreak int       `json:"failure_streak"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// versionLayout renders batch start times as sortable snapshot versions.
const versionLayout = "20060102150405"

// VersionForTime derives the snapshot version for a batch started at t.
// Versions sort lexicographically in arrival order and are deterministic per
// batch, which is what makes finalize idempotent.
func VersionForTime(t time.Time) string {
	return t.UTC().Format(versionLayout)
}

// Delivery wraps a dequeued job together with its redelivery bookkeeping.
type Delivery struct {
	Job     Job
	Attempt int

	ack  func()
	nack func()
}

// NewDelivery builds a delivery; ack and nack may be nil for fire-and-forget
// sources.
func NewDelivery(job Job, attempt int, ack, nack func()) *Delivery {
	return &Delivery{Job: job, Attempt: attempt, ack: ack, nack: nack}
}

// Ack marks the delivery as consumed; it will not be redelivered.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack returns the delivery to the queue for another attempt.
func (d *Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}
