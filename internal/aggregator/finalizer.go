// Package aggregator turns a drained batch's staged fragments into the next
// published snapshot: indices, detail records, diff, error manifest, stats
// and the month archive, capped by the pointer rotation that makes the
// version live.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/diff"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
	"github.com/noticegrid/ingestor/internal/notice"
	"github.com/noticegrid/ingestor/internal/progress"
	"github.com/noticegrid/ingestor/internal/snapshot"
	"github.com/noticegrid/ingestor/internal/staging"
)

// errClaimLost marks a finalize attempt that lost the lease race. The holder
// finishes the batch, so callers skip quietly.
var errClaimLost = errors.New("finalize lease held elsewhere")

// Config tunes finalize behavior.
type Config struct {
	// LeaseStale is how old another claimant's finalize lease must be
	// before this process may steal it.
	LeaseStale time.Duration
	// StaleMaxCycles bounds consecutive failed cycles before a board's
	// previous entries stop being carried forward.
	StaleMaxCycles int
}

// Finalizer owns the single-writer finalize step for a batch.
type Finalizer struct {
	objects  ingest.ObjectStore
	batches  ingest.BatchStore
	staging  *staging.Area
	writer   *snapshot.Writer
	reader   *snapshot.Reader
	clock    ingest.Clock
	events   progress.Emitter
	claimant string
	cfg      Config
	logger   *zap.Logger
}

// NewFinalizer wires a finalizer. The claimant string identifies this
// process in the finalize lease; a nil logger is replaced with a no-op one.
func NewFinalizer(
	objects ingest.ObjectStore,
	batches ingest.BatchStore,
	stagingArea *staging.Area,
	writer *snapshot.Writer,
	reader *snapshot.Reader,
	clock ingest.Clock,
	events progress.Emitter,
	claimant string,
	cfg Config,
	logger *zap.Logger,
) *Finalizer {
	if events == nil {
		events = progress.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if claimant == "" {
		claimant = "finalizer"
	}
	if cfg.LeaseStale <= 0 {
		cfg.LeaseStale = 10 * time.Minute
	}
	if cfg.StaleMaxCycles <= 0 {
		cfg.StaleMaxCycles = 6
	}
	return &Finalizer{
		objects:  objects,
		batches:  batches,
		staging:  stagingArea,
		writer:   writer,
		reader:   reader,
		clock:    clock,
		events:   events,
		claimant: claimant,
		cfg:      cfg,
		logger:   logger,
	}
}

// Finalize assembles and publishes the batch's snapshot, then marks the
// batch finalized and clears its staging prefix. An already-finalized batch
// returns its version with ErrAlreadyFinalized; a re-run over unchanged
// inputs rewrites byte-identical files, so crashing anywhere in the sequence
// is recoverable by calling Finalize again.
func (f *Finalizer) Finalize(ctx context.Context, batchID string) (string, error) {
	started := time.Now()

	batch, err := f.batches.GetBatch(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if batch.State != ingest.BatchStateRunning {
		return batch.Version, ingest.ErrAlreadyFinalized
	}

	claimed, err := f.batches.ClaimFinalize(ctx, batchID, f.claimant, f.clock.Now(), f.cfg.LeaseStale)
	if err != nil {
		return "", fmt.Errorf("claim finalize for batch %s: %w", batchID, err)
	}
	if !claimed {
		// Either a live claimant holds the lease or the batch finalized
		// between the read above and the claim.
		if batch, err = f.batches.GetBatch(ctx, batchID); err == nil && batch.State != ingest.BatchStateRunning {
			return batch.Version, ingest.ErrAlreadyFinalized
		}
		return "", errClaimLost
	}

	log := f.logger.With(zap.String("batch_id", batch.ID), zap.String("version", batch.Version))

	asm, err := f.assemble(ctx, batch)
	if err != nil {
		metrics.ObserveBatchFinalize("aborted", time.Since(started))
		return "", err
	}

	if _, err := f.writer.Write(ctx, asm.snap); err != nil {
		metrics.ObserveBatchFinalize("aborted", time.Since(started))
		return "", err
	}
	if err := f.archiveAdded(ctx, asm.snap); err != nil {
		metrics.ObserveBatchFinalize("aborted", time.Since(started))
		return "", err
	}

	ptr := snapshot.Pointer{
		Version:     asm.snap.Version,
		BatchID:     asm.snap.BatchID,
		PublishedAt: f.clock.Now().UTC(),
		NoticeCount: len(asm.snap.Entries),
	}
	if err := snapshot.Rotate(ctx, f.objects, ptr); err != nil {
		metrics.ObserveBatchFinalize("aborted", time.Since(started))
		return "", fmt.Errorf("rotate pointer to %s: %w", asm.snap.Version, err)
	}

	if err := f.batches.MarkFinalized(ctx, batch.ID, ingest.BatchStatePublished, f.clock.Now()); err != nil {
		// The pointer already moved. The batch stays claimable, and the
		// re-run rewrites identical bytes before retrying this mark.
		return "", fmt.Errorf("mark batch %s finalized: %w", batch.ID, err)
	}

	f.bumpStragglerStreaks(ctx, batch, asm.stragglers)

	if err := f.staging.Cleanup(ctx, batch.ID); err != nil {
		log.Warn("staging cleanup failed", zap.Error(err))
	}

	metrics.ObserveBatchFinalize("published", time.Since(started))
	metrics.ObserveDiff(len(asm.snap.Diff.Added), len(asm.snap.Diff.Updated), len(asm.snap.Diff.Removed))
	metrics.SetSnapshotStats(len(asm.snap.Entries), asm.staleBoards)
	f.events.Emit(progress.Event{
		BatchID: batch.ID,
		TS:      f.clock.Now().UTC(),
		Stage:   progress.StageBatchDone,
		Notices: len(asm.snap.Entries),
		Version: asm.snap.Version,
		Dur:     time.Since(started),
	})

	log.Info("snapshot published",
		zap.Int("notices", len(asm.snap.Entries)),
		zap.Int("stale_boards", asm.staleBoards),
		zap.Int("added", len(asm.snap.Diff.Added)),
		zap.Int("updated", len(asm.snap.Diff.Updated)),
		zap.Int("removed", len(asm.snap.Diff.Removed)),
	)
	return asm.snap.Version, nil
}

// assembly is one finalize run's computed output.
type assembly struct {
	snap        snapshot.Snapshot
	staleBoards int
	// stragglers are boards that recorded no result this batch; their
	// failure streaks are bumped after publication.
	stragglers []string
}

func (f *Finalizer) assemble(ctx context.Context, batch ingest.Batch) (assembly, error) {
	fragments, err := f.staging.ListFragments(ctx, batch.ID)
	if err != nil {
		return assembly{}, fmt.Errorf("list fragments for batch %s: %w", batch.ID, err)
	}
	results, err := f.batches.ListBoardResults(ctx, batch.ID)
	if err != nil {
		return assembly{}, fmt.Errorf("list board results for batch %s: %w", batch.ID, err)
	}
	resultByBoard := make(map[string]ingest.BoardResult, len(results))
	for _, r := range results {
		resultByBoard[r.BoardID] = r
	}

	prev, err := f.previousSnapshot(ctx, batch)
	if err != nil {
		return assembly{}, err
	}

	// Only fragments from boards that recorded success are fresh. A board
	// that failed after staging part of its rows is served from the
	// previous snapshot instead, so partial extractions never mix with
	// carried entries.
	var (
		entries []notice.IndexEntry
		details []notice.Notice
	)
	for _, frag := range fragments {
		if r, ok := resultByBoard[frag.BoardID]; !ok || r.Status != ingest.BoardStatusSucceeded {
			continue
		}
		entries = append(entries, frag.IndexEntry())
		details = append(details, frag)
	}

	asm := assembly{}

	// Boards whose result is degraded or failed fall back to their
	// previously published entries unless their failure streak crossed the
	// expiry bound.
	var errs []snapshot.ErrorEntry
	for _, r := range results {
		if r.Status == ingest.BoardStatusSucceeded {
			continue
		}
		entry := snapshot.ErrorEntry{
			BoardID:   r.BoardID,
			Status:    string(r.Status),
			Reason:    r.Error,
			Timestamp: r.RecordedAt.UTC(),
		}
		entry, carriedEntries, carriedDetails, err := f.substitute(ctx, prev, entry)
		if err != nil {
			return assembly{}, err
		}
		if len(carriedEntries) > 0 {
			entries = append(entries, carriedEntries...)
			details = append(details, carriedDetails...)
			asm.staleBoards++
		}
		errs = append(errs, entry)
	}

	// A timed-out batch can hold boards that never recorded anything.
	// Their identities come from the previous snapshot: any board published
	// last cycle with no result this cycle is treated as failed and carried
	// the same way. On a drained batch the same condition means the board
	// left the site map, so it drops out and surfaces in the diff as
	// removed.
	if len(results) < batch.ExpectedJobs {
		for boardID := range prev.byBoard {
			if _, ok := resultByBoard[boardID]; ok {
				continue
			}
			entry := snapshot.ErrorEntry{
				BoardID:   boardID,
				Status:    string(ingest.BoardStatusFailed),
				Reason:    "no result recorded before batch timeout",
				Timestamp: batch.StartedAt.UTC(),
			}
			entry, carriedEntries, carriedDetails, err := f.substitute(ctx, prev, entry)
			if err != nil {
				return assembly{}, err
			}
			if len(carriedEntries) > 0 {
				entries = append(entries, carriedEntries...)
				details = append(details, carriedDetails...)
				asm.staleBoards++
			}
			errs = append(errs, entry)
			asm.stragglers = append(asm.stragglers, boardID)
		}
	}

	current := make(map[string]string, len(entries))
	for _, e := range entries {
		current[e.ID] = e.ContentHash
	}
	d := diff.Compute(prev.hashes, current)

	byCampus := make(map[string]int)
	byCategory := make(map[string]int)
	boards := make(map[string]struct{})
	for _, e := range entries {
		byCampus[e.Campus]++
		byCategory[e.Category]++
		boards[e.BoardID] = struct{}{}
	}

	asm.snap = snapshot.Snapshot{
		Version: batch.Version,
		BatchID: batch.ID,
		// The batch start time, not the wall clock: re-running finalize
		// for the same batch must produce identical bytes.
		CreatedAt: batch.StartedAt,
		Entries:   entries,
		Details:   details,
		Diff:      d,
		Errors:    errs,
		Stats:     snapshot.StatsFor(batch.Version, len(entries), len(boards), asm.staleBoards, byCampus, byCategory, d),
	}
	return asm, nil
}

// previous captures the published snapshot a finalize run diffs against and
// carries stale boards from.
type previous struct {
	version string
	byBoard map[string][]notice.IndexEntry
	hashes  map[string]string
	// staleFrom maps boards that were already stale last cycle to the
	// version their entries originally came from.
	staleFrom map[string]string
}

func emptyPrevious() *previous {
	return &previous{
		byBoard:   map[string][]notice.IndexEntry{},
		hashes:    map[string]string{},
		staleFrom: map[string]string{},
	}
}

func (f *Finalizer) previousSnapshot(ctx context.Context, batch ingest.Batch) (*previous, error) {
	ptr, err := f.reader.LatestPointer(ctx)
	if errors.Is(err, ingest.ErrNoSnapshot) {
		return emptyPrevious(), nil
	}
	if err != nil {
		return nil, err
	}
	if ptr.Version == batch.Version {
		// A prior run crashed after rotating the pointer but before the
		// batch was marked finalized. The true predecessor is the backed-up
		// pointer.
		ptr, err = f.reader.PreviousPointer(ctx)
		if errors.Is(err, ingest.ErrNoSnapshot) {
			return emptyPrevious(), nil
		}
		if err != nil {
			return nil, err
		}
	}

	entries, err := f.reader.IndexAll(ctx, ptr.Version)
	if err != nil {
		return nil, fmt.Errorf("read previous index %s: %w", ptr.Version, err)
	}
	manifestErrs, err := f.reader.Errors(ctx, ptr.Version)
	if err != nil {
		return nil, fmt.Errorf("read previous errors %s: %w", ptr.Version, err)
	}

	prev := emptyPrevious()
	prev.version = ptr.Version
	for _, e := range entries {
		prev.byBoard[e.BoardID] = append(prev.byBoard[e.BoardID], e)
		prev.hashes[e.ID] = e.ContentHash
	}
	for _, me := range manifestErrs {
		if me.StaleFrom != "" {
			prev.staleFrom[me.BoardID] = me.StaleFrom
		}
	}
	return prev, nil
}

// substitute carries one errored board's previous entries forward. Boards
// past the expiry bound are marked expired and carry nothing; boards with no
// published history carry nothing but keep their recorded status. StaleFrom
// names the version the entries originally came from, surviving consecutive
// stale cycles.
func (f *Finalizer) substitute(ctx context.Context, prev *previous, entry snapshot.ErrorEntry) (snapshot.ErrorEntry, []notice.IndexEntry, []notice.Notice, error) {
	streak, err := f.boardStreak(ctx, entry.BoardID)
	if err != nil {
		return entry, nil, nil, err
	}
	if streak >= f.cfg.StaleMaxCycles {
		entry.Status = "expired"
		return entry, nil, nil, nil
	}

	carried := prev.byBoard[entry.BoardID]
	if len(carried) == 0 {
		return entry, nil, nil, nil
	}
	details := make([]notice.Notice, 0, len(carried))
	for _, e := range carried {
		d, err := f.reader.Detail(ctx, prev.version, e.ID)
		if err != nil {
			return entry, nil, nil, fmt.Errorf("read previous detail %s: %w", e.ID, err)
		}
		details = append(details, d)
	}

	entry.StaleFrom = prev.version
	if origin, ok := prev.staleFrom[entry.BoardID]; ok {
		entry.StaleFrom = origin
	}
	return entry, carried, details, nil
}

func (f *Finalizer) boardStreak(ctx context.Context, boardID string) (int, error) {
	state, err := f.batches.GetBoardState(ctx, boardID)
	if errors.Is(err, ingest.ErrBoardStateNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load board state %s: %w", boardID, err)
	}
	return state.FailureStreak, nil
}

// bumpStragglerStreaks advances the failure streak for boards that recorded
// no result this batch; nothing else will, and expiry depends on the streak
// growing. The UpdatedAt check keeps a finalize re-run from double-counting
// the same batch. Runs after publication, so failures only warn.
func (f *Finalizer) bumpStragglerStreaks(ctx context.Context, batch ingest.Batch, boardIDs []string) {
	now := f.clock.Now()
	for _, boardID := range boardIDs {
		state, err := f.batches.GetBoardState(ctx, boardID)
		if err != nil && !errors.Is(err, ingest.ErrBoardStateNotFound) {
			f.logger.Warn("board state read failed", zap.String("board_id", boardID), zap.Error(err))
			continue
		}
		if !state.UpdatedAt.Before(batch.StartedAt) {
			continue
		}
		state.BoardID = boardID
		state.FailureStreak++
		state.UpdatedAt = now
		if err := f.batches.UpsertBoardState(ctx, state); err != nil {
			f.logger.Warn("board state update failed", zap.String("board_id", boardID), zap.Error(err))
		}
	}
}

// archiveAdded writes this run's newly added notices under the month-keyed
// archive prefix so history survives snapshot retention. One file per
// version; a re-run rewrites identical bytes.
func (f *Finalizer) archiveAdded(ctx context.Context, snap snapshot.Snapshot) error {
	if len(snap.Diff.Added) == 0 {
		return nil
	}
	byID := make(map[string]notice.Notice, len(snap.Details))
	for _, d := range snap.Details {
		byID[d.ID] = d
	}
	added := make([]notice.Notice, 0, len(snap.Diff.Added))
	for _, id := range snap.Diff.Added {
		if n, ok := byID[id]; ok {
			added = append(added, n)
		}
	}

	data, err := json.MarshalIndent(added, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive for %s: %w", snap.Version, err)
	}
	key := archiveKey(snap.CreatedAt, snap.Version)
	if err := f.objects.Put(ctx, key, append(data, '\n')); err != nil {
		return fmt.Errorf("write archive %s: %w", key, err)
	}
	return nil
}

func archiveKey(createdAt time.Time, version string) string {
	return "archive/" + createdAt.UTC().Format("2006-01") + "/" + version + ".json"
}
