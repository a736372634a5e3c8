package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noticegrid/ingestor/internal/diff"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

const defaultWriteConcurrency = 16

// Snapshot is the fully assembled content of one version, ready to write.
type Snapshot struct {
	Version   string
	BatchID   string
	CreatedAt time.Time
	Entries   []notice.IndexEntry
	Details   []notice.Notice
	Diff      diff.Diff
	Errors    []ErrorEntry
	Stats     Stats
}

// Writer persists assembled snapshots into the object store. All writes for a
// version land under its own prefix; the manifest goes last so a version
// without a manifest is by definition incomplete.
type Writer struct {
	objects     ingest.ObjectStore
	hasher      ingest.Hasher
	logger      *zap.Logger
	concurrency int
}

// NewWriter constructs a snapshot writer.
func NewWriter(objects ingest.ObjectStore, hasher ingest.Hasher, logger *zap.Logger) (*Writer, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		objects:     objects,
		hasher:      hasher,
		logger:      logger,
		concurrency: defaultWriteConcurrency,
	}, nil
}

type storedFile struct {
	path string
	data []byte
}

// Write materializes the snapshot. The same Snapshot value always produces
// byte-identical files, so a finalize re-run for an already-written version
// overwrites every file with the bytes it already has.
func (w *Writer) Write(ctx context.Context, snap Snapshot) (Manifest, error) {
	if strings.TrimSpace(snap.Version) == "" {
		return Manifest{}, fmt.Errorf("snapshot version is required")
	}
	if strings.TrimSpace(snap.BatchID) == "" {
		return Manifest{}, fmt.Errorf("snapshot batch id is required")
	}

	files, err := buildFiles(snap)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		Version:     snap.Version,
		BatchID:     snap.BatchID,
		CreatedAt:   snap.CreatedAt.UTC(),
		NoticeCount: len(snap.Entries),
		BoardCount:  countBoards(snap.Entries),
		Files:       make(map[string]string, len(files)),
	}
	for _, f := range files {
		sum, err := w.hasher.Hash(f.data)
		if err != nil {
			return Manifest{}, fmt.Errorf("hash snapshot file %s: %w", f.path, err)
		}
		manifest.Files[f.path] = sum
	}

	prefix := VersionPrefix(snap.Version)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, f := range files {
		g.Go(func() error {
			if err := w.objects.Put(gctx, prefix+f.path, f.data); err != nil {
				return fmt.Errorf("write snapshot file %s: %w", f.path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}

	manifestData, err := encode(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := w.objects.Put(ctx, prefix+manifestPath(), manifestData); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}

	w.logger.Info("snapshot written",
		zap.String("version", snap.Version),
		zap.String("batch_id", snap.BatchID),
		zap.Int("files", len(files)+1),
		zap.Int("notices", len(snap.Entries)),
	)
	return manifest, nil
}

func buildFiles(snap Snapshot) ([]storedFile, error) {
	entries := make([]notice.IndexEntry, len(snap.Entries))
	copy(entries, snap.Entries)
	sortEntries(entries)

	details := make([]notice.Notice, len(snap.Details))
	copy(details, snap.Details)
	sort.Slice(details, func(i, j int) bool { return details[i].ID < details[j].ID })

	errs := make([]ErrorEntry, len(snap.Errors))
	copy(errs, snap.Errors)
	sort.Slice(errs, func(i, j int) bool { return errs[i].BoardID < errs[j].BoardID })

	var files []storedFile
	add := func(path string, v any) error {
		data, err := encode(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		files = append(files, storedFile{path: path, data: data})
		return nil
	}

	if err := add(indexAllPath(), entries); err != nil {
		return nil, err
	}
	for _, campus := range groupKeys(entries, func(e notice.IndexEntry) string { return e.Campus }) {
		group := filterEntries(entries, func(e notice.IndexEntry) bool { return e.Campus == campus })
		if err := add(indexCampusPath(slug(campus)), group); err != nil {
			return nil, err
		}
	}
	for _, category := range groupKeys(entries, func(e notice.IndexEntry) string { return e.Category }) {
		group := filterEntries(entries, func(e notice.IndexEntry) bool { return e.Category == category })
		if err := add(indexCategoryPath(slug(category)), group); err != nil {
			return nil, err
		}
	}
	for _, d := range details {
		if err := add(detailPath(d.ID), d); err != nil {
			return nil, err
		}
	}
	if err := add(diffPath(), snap.Diff); err != nil {
		return nil, err
	}
	if err := add(errorsPath(), errs); err != nil {
		return nil, err
	}
	if err := add(statsPath(), snap.Stats); err != nil {
		return nil, err
	}
	return files, nil
}

// sortEntries orders newest-first. Board date strings are year-first after
// normalization, so plain string comparison sorts them; canonical ID breaks
// ties to keep the order total.
func sortEntries(entries []notice.IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Date != entries[j].Date {
			return entries[i].Date > entries[j].Date
		}
		return entries[i].ID < entries[j].ID
	})
}

func groupKeys(entries []notice.IndexEntry, key func(notice.IndexEntry) string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, e := range entries {
		k := key(e)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func filterEntries(entries []notice.IndexEntry, keep func(notice.IndexEntry) bool) []notice.IndexEntry {
	out := make([]notice.IndexEntry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func countBoards(entries []notice.IndexEntry) int {
	boards := make(map[string]struct{})
	for _, e := range entries {
		boards[e.BoardID] = struct{}{}
	}
	return len(boards)
}

// slug makes a grouping value safe for use as a path segment.
func slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

// encode renders snapshot JSON deterministically: indented, map keys sorted
// by encoding/json, trailing newline.
func encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
