package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noticegrid/ingestor/internal/diff"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

// Reader serves published snapshot data. Missing versions or files surface as
// ingest.ErrObjectNotFound so callers can map them to not-found responses.
type Reader struct {
	objects ingest.ObjectStore
}

// NewReader constructs a snapshot reader.
func NewReader(objects ingest.ObjectStore) (*Reader, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Reader{objects: objects}, nil
}

// LatestPointer returns the published pointer, or ingest.ErrNoSnapshot when
// nothing has been published yet.
func (r *Reader) LatestPointer(ctx context.Context) (Pointer, error) {
	data, err := r.objects.Get(ctx, PointerKey)
	if err != nil {
		if errors.Is(err, ingest.ErrObjectNotFound) {
			return Pointer{}, ingest.ErrNoSnapshot
		}
		return Pointer{}, fmt.Errorf("read pointer: %w", err)
	}
	var ptr Pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return Pointer{}, fmt.Errorf("decode pointer: %w", err)
	}
	if ptr.Version == "" {
		return Pointer{}, fmt.Errorf("pointer has no version")
	}
	return ptr, nil
}

// PreviousPointer returns the pointer backed up by the last rotation, or
// ingest.ErrNoSnapshot when no rotation has replaced a pointer yet. Finalize
// re-runs use it to diff against the true predecessor when latest.json
// already names the version being finalized.
func (r *Reader) PreviousPointer(ctx context.Context) (Pointer, error) {
	data, err := r.objects.Get(ctx, PreviousPointerKey)
	if err != nil {
		if errors.Is(err, ingest.ErrObjectNotFound) {
			return Pointer{}, ingest.ErrNoSnapshot
		}
		return Pointer{}, fmt.Errorf("read previous pointer: %w", err)
	}
	var ptr Pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return Pointer{}, fmt.Errorf("decode previous pointer: %w", err)
	}
	if ptr.Version == "" {
		return Pointer{}, fmt.Errorf("previous pointer has no version")
	}
	return ptr, nil
}

// Manifest returns the version's manifest.
func (r *Reader) Manifest(ctx context.Context, version string) (Manifest, error) {
	var manifest Manifest
	if err := r.readJSON(ctx, VersionPrefix(version)+manifestPath(), &manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// IndexAll returns the version's full index, newest-first.
func (r *Reader) IndexAll(ctx context.Context, version string) ([]notice.IndexEntry, error) {
	var entries []notice.IndexEntry
	if err := r.readJSON(ctx, VersionPrefix(version)+indexAllPath(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// IndexCampus returns the version's index filtered to one campus.
func (r *Reader) IndexCampus(ctx context.Context, version, campus string) ([]notice.IndexEntry, error) {
	var entries []notice.IndexEntry
	if err := r.readJSON(ctx, VersionPrefix(version)+indexCampusPath(slug(campus)), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// IndexCategory returns the version's index filtered to one category.
func (r *Reader) IndexCategory(ctx context.Context, version, category string) ([]notice.IndexEntry, error) {
	var entries []notice.IndexEntry
	if err := r.readJSON(ctx, VersionPrefix(version)+indexCategoryPath(slug(category)), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// IndexMap projects the version's index to canonical-id -> content-hash, the
// shape the diff engine consumes.
func (r *Reader) IndexMap(ctx context.Context, version string) (map[string]string, error) {
	entries, err := r.IndexAll(ctx, version)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.ID] = e.ContentHash
	}
	return m, nil
}

// BoardEntries returns the version's index entries for one board. Used for
// stale fallback when a board contributed nothing fresh.
func (r *Reader) BoardEntries(ctx context.Context, version, boardID string) ([]notice.IndexEntry, error) {
	entries, err := r.IndexAll(ctx, version)
	if err != nil {
		return nil, err
	}
	var out []notice.IndexEntry
	for _, e := range entries {
		if e.BoardID == boardID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Diff returns the version's change set against its predecessor.
func (r *Reader) Diff(ctx context.Context, version string) (diff.Diff, error) {
	var d diff.Diff
	if err := r.readJSON(ctx, VersionPrefix(version)+diffPath(), &d); err != nil {
		return diff.Diff{}, err
	}
	return d, nil
}

// Detail returns one notice's full record, body included.
func (r *Reader) Detail(ctx context.Context, version, canonicalID string) (notice.Notice, error) {
	var n notice.Notice
	if err := r.readJSON(ctx, VersionPrefix(version)+detailPath(canonicalID), &n); err != nil {
		return notice.Notice{}, err
	}
	return n, nil
}

// Errors returns the version's error manifest.
func (r *Reader) Errors(ctx context.Context, version string) ([]ErrorEntry, error) {
	var entries []ErrorEntry
	if err := r.readJSON(ctx, VersionPrefix(version)+errorsPath(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Stats returns the version's stats file.
func (r *Reader) Stats(ctx context.Context, version string) (Stats, error) {
	var s Stats
	if err := r.readJSON(ctx, VersionPrefix(version)+statsPath(), &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (r *Reader) readJSON(ctx context.Context, key string, v any) error {
	data, err := r.objects.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
