// Package snapshot defines the versioned snapshot layout in the object store
// and the writer/reader/pointer machinery around it.
//
// Layout under the store root:
//
//	snapshots/<version>/index/all.json
//	snapshots/<version>/index/campus/<campus>.json
//	snapshots/<version>/index/category/<category>.json
//	snapshots/<version>/detail/<canonicalID>.json
//	snapshots/<version>/diff.json
//	snapshots/<version>/errors.json
//	snapshots/<version>/stats.json
//	snapshots/<version>/manifest.json
//	latest.json
//	previous.json
//
// Snapshot files are written once and never mutated; the manifest is written
// last, so its presence implies the version is complete. Only latest.json is
// ever overwritten, and that overwrite is the sole publication step.
package snapshot

import (
	"time"

	"github.com/noticegrid/ingestor/internal/diff"
)

const (
	// PointerKey is the single mutable object naming the published version.
	PointerKey = "latest.json"
	// PreviousPointerKey backs up the pointer that was current before the
	// last rotation, for manual rollback.
	PreviousPointerKey = "previous.json"

	snapshotPrefix = "snapshots/"
)

// VersionPrefix returns the object-store prefix holding one version's files.
func VersionPrefix(version string) string {
	return snapshotPrefix + version + "/"
}

// Relative paths inside a version prefix. The manifest records files under
// these names so it stays valid if the snapshot tree is copied elsewhere.
func indexAllPath() string { return "index/all.json" }

func indexCampusPath(campus string) string { return "index/campus/" + campus + ".json" }

func indexCategoryPath(cat string) string { return "index/category/" + cat + ".json" }

func detailPath(canonicalID string) string { return "detail/" + canonicalID + ".json" }

func diffPath() string { return "diff.json" }

func errorsPath() string { return "errors.json" }

func statsPath() string { return "stats.json" }

func manifestPath() string { return "manifest.json" }

// Pointer is the content of latest.json.
type Pointer struct {
	Version     string    `json:"version"`
	BatchID     string    `json:"batch_id,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	NoticeCount int       `json:"notice_count,omitempty"`
}

// Manifest is written last into a version prefix and inventories every other
// file in it, keyed by relative path, with the SHA-256 of each file's bytes.
type Manifest struct {
	Version     string            `json:"version"`
	BatchID     string            `json:"batch_id"`
	CreatedAt   time.Time         `json:"created_at"`
	NoticeCount int               `json:"notice_count"`
	BoardCount  int               `json:"board_count"`
	Files       map[string]string `json:"files"`
}

// ErrorEntry records one board that did not contribute fresh data to a
// snapshot: degraded (sanity guard), failed (retries exhausted), or expired
// (stale fallback past its bound).
type ErrorEntry struct {
	BoardID   string    `json:"board_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	// StaleFrom names the version whose entries were served for this board,
	// empty when nothing was carried over.
	StaleFrom string `json:"stale_from,omitempty"`
}

// Stats summarizes a snapshot for dashboards and quick inspection.
type Stats struct {
	Version         string         `json:"version"`
	NoticeCount     int            `json:"notice_count"`
	BoardCount      int            `json:"board_count"`
	StaleBoardCount int            `json:"stale_board_count"`
	ByCampus        map[string]int `json:"by_campus"`
	ByCategory      map[string]int `json:"by_category"`
	AddedCount      int            `json:"added_count"`
	UpdatedCount    int            `json:"updated_count"`
	RemovedCount    int            `json:"removed_count"`
}

// StatsFor derives the stats file from assembled snapshot parts.
func StatsFor(version string, entries int, boards int, staleBoards int, byCampus, byCategory map[string]int, d diff.Diff) Stats {
	return Stats{
		Version:         version,
		NoticeCount:     entries,
		BoardCount:      boards,
		StaleBoardCount: staleBoards,
		ByCampus:        byCampus,
		ByCategory:      byCategory,
		AddedCount:      len(d.Added),
		UpdatedCount:    len(d.Updated),
		RemovedCount:    len(d.Removed),
	}
}
