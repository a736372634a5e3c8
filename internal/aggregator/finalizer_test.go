package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	batchmem "github.com/noticegrid/ingestor/internal/batch/memory"
	"github.com/noticegrid/ingestor/internal/hash/sha256"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
	"github.com/noticegrid/ingestor/internal/progress"
	"github.com/noticegrid/ingestor/internal/snapshot"
	"github.com/noticegrid/ingestor/internal/staging"
	storemem "github.com/noticegrid/ingestor/internal/store/memory"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// --- fakes ---

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Events() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Event(nil), c.events...)
}

type env struct {
	objects   *storemem.ObjectStore
	batches   *batchmem.Store
	area      *staging.Area
	reader    *snapshot.Reader
	finalizer *Finalizer
	clock     *fakeClock
	events    *captureEmitter
}

func newEnv(t *testing.T) *env {
	t.Helper()

	objects := storemem.NewObjectStore()
	area, err := staging.NewArea(objects)
	require.NoError(t, err)
	writer, err := snapshot.NewWriter(objects, sha256.New(), nil)
	require.NoError(t, err)
	reader, err := snapshot.NewReader(objects)
	require.NoError(t, err)

	batches := batchmem.NewStore()
	clock := &fakeClock{now: testNow}
	events := &captureEmitter{}
	fin := NewFinalizer(objects, batches, area, writer, reader, clock, events, "test-finalizer",
		Config{LeaseStale: 10 * time.Minute, StaleMaxCycles: 3}, nil)

	return &env{
		objects:   objects,
		batches:   batches,
		area:      area,
		reader:    reader,
		finalizer: fin,
		clock:     clock,
		events:    events,
	}
}

func fixtureNotice(boardID, num, hash string) notice.Notice {
	return notice.Notice{
		ID:             boardID + "-" + num,
		ContentHash:    hash,
		Campus:         "seoul",
		DepartmentID:   "cs",
		DepartmentName: "Computer Science",
		BoardID:        boardID,
		BoardName:      "Notices",
		Category:       "academic",
		Title:          "Notice " + num,
		Date:           "2026-03-10",
		Link:           "https://cs.example.ac.kr/" + boardID + "/" + num,
		Body:           "body " + num,
	}
}

// startBatch registers a running batch whose version derives from the
// environment clock.
func (e *env) startBatch(t *testing.T, id string, expected int) ingest.Batch {
	t.Helper()
	batch := ingest.Batch{
		ID:           id,
		Version:      ingest.VersionForTime(e.clock.now),
		ExpectedJobs: expected,
		StartedAt:    e.clock.now,
		State:        ingest.BatchStateRunning,
	}
	require.NoError(t, e.batches.CreateBatch(context.Background(), batch))
	return batch
}

// succeedBoard stages the given notices and records a succeeded result, the
// way a worker run would.
func (e *env) succeedBoard(t *testing.T, batchID, boardID string, notices ...notice.Notice) {
	t.Helper()
	ctx := context.Background()
	for _, n := range notices {
		require.NoError(t, e.area.PutFragment(ctx, batchID, n))
	}
	require.NoError(t, e.batches.RecordBoardResult(ctx, ingest.BoardResult{
		BatchID:     batchID,
		BoardID:     boardID,
		Status:      ingest.BoardStatusSucceeded,
		NoticeCount: len(notices),
		RecordedAt:  e.clock.now,
	}))
	require.NoError(t, e.batches.UpsertBoardState(ctx, ingest.BoardState{
		BoardID:       boardID,
		LastCount:     len(notices),
		LastSuccessAt: e.clock.now,
		UpdatedAt:     e.clock.now,
	}))
}

// failBoard records a degraded or failed result without fragments and bumps
// the board's streak, the way the guard or the dead-letter sink would.
func (e *env) failBoard(t *testing.T, batchID, boardID string, status ingest.BoardStatus, reason string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.batches.RecordBoardResult(ctx, ingest.BoardResult{
		BatchID:    batchID,
		BoardID:    boardID,
		Status:     status,
		Error:      reason,
		RecordedAt: e.clock.now,
	}))
	state, err := e.batches.GetBoardState(ctx, boardID)
	if err != nil {
		state = ingest.BoardState{BoardID: boardID}
	}
	state.FailureStreak++
	state.UpdatedAt = e.clock.now
	require.NoError(t, e.batches.UpsertBoardState(ctx, state))
}

// publishFirstBatch runs a clean two-board cycle and returns its version.
func (e *env) publishFirstBatch(t *testing.T) string {
	t.Helper()
	batch := e.startBatch(t, "batch-1", 2)
	e.succeedBoard(t, batch.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"), fixtureNotice("cs-101", "2", "h2"))
	e.succeedBoard(t, batch.ID, "ee-201", fixtureNotice("ee-201", "1", "h3"))

	version, err := e.finalizer.Finalize(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.Version, version)
	return version
}

func TestFinalizePublishesSnapshot(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	version := e.publishFirstBatch(t)

	ptr, err := e.reader.LatestPointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, ptr.Version)
	assert.Equal(t, "batch-1", ptr.BatchID)
	assert.Equal(t, 3, ptr.NoticeCount)
	assert.Equal(t, testNow, ptr.PublishedAt)

	entries, err := e.reader.IndexAll(ctx, version)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	detail, err := e.reader.Detail(ctx, version, "cs-101-1")
	require.NoError(t, err)
	assert.Equal(t, "body 1", detail.Body)

	d, err := e.reader.Diff(ctx, version)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cs-101-1", "cs-101-2", "ee-201-1"}, d.Added)
	assert.Empty(t, d.Updated)
	assert.Empty(t, d.Removed)

	stats, err := e.reader.Stats(ctx, version)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.NoticeCount)
	assert.Equal(t, 2, stats.BoardCount)
	assert.Zero(t, stats.StaleBoardCount)
	assert.Equal(t, 3, stats.ByCampus["seoul"])

	batch, err := e.batches.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ingest.BatchStatePublished, batch.State)
	require.NotNil(t, batch.FinalizedAt)

	// Staging is cleared once the snapshot is live.
	frags, err := e.area.ListFragments(ctx, "batch-1")
	require.NoError(t, err)
	assert.Empty(t, frags)

	// Added notices land in the month archive.
	archived, err := e.objects.Get(ctx, "archive/2026-03/"+version+".json")
	require.NoError(t, err)
	assert.Contains(t, string(archived), "cs-101-1")

	evts := e.events.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, progress.StageBatchDone, evts[0].Stage)
	assert.Equal(t, "batch-1", evts[0].BatchID)
	assert.Equal(t, version, evts[0].Version)
	assert.Equal(t, 3, evts[0].Notices)
}

func TestFinalizeAlreadyFinalized(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	version := e.publishFirstBatch(t)

	again, err := e.finalizer.Finalize(context.Background(), "batch-1")
	require.ErrorIs(t, err, ingest.ErrAlreadyFinalized)
	assert.Equal(t, version, again)
}

func TestFinalizeUnknownBatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.finalizer.Finalize(context.Background(), "nope")
	require.ErrorIs(t, err, ingest.ErrBatchNotFound)
}

func TestFinalizeClaimHeldElsewhere(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	batch := e.startBatch(t, "batch-1", 1)
	e.succeedBoard(t, batch.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"))

	claimed, err := e.batches.ClaimFinalize(ctx, batch.ID, "other-host", e.clock.now, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = e.finalizer.Finalize(ctx, batch.ID)
	require.ErrorIs(t, err, errClaimLost)

	// Once the lease is stale it can be stolen and the batch finalized.
	e.clock.now = testNow.Add(15 * time.Minute)
	_, err = e.finalizer.Finalize(ctx, batch.ID)
	require.NoError(t, err)
}

func TestFinalizeStaleFallback(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	v1 := e.publishFirstBatch(t)

	e.clock.now = testNow.Add(30 * time.Minute)
	batch2 := e.startBatch(t, "batch-2", 2)
	e.succeedBoard(t, batch2.ID, "cs-101",
		fixtureNotice("cs-101", "1", "h1"),
		fixtureNotice("cs-101", "2", "h2-changed"),
		fixtureNotice("cs-101", "3", "h4"))
	e.failBoard(t, batch2.ID, "ee-201", ingest.BoardStatusDegraded, "count dropped 80% (10 -> 2)")

	v2, err := e.finalizer.Finalize(ctx, batch2.ID)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	// The degraded board's previous entries are carried forward.
	entries, err := e.reader.BoardEntries(ctx, v2, "ee-201")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "h3", entries[0].ContentHash)

	// Its detail stays readable in the new version.
	detail, err := e.reader.Detail(ctx, v2, "ee-201-1")
	require.NoError(t, err)
	assert.Equal(t, "body 1", detail.Body)

	errs, err := e.reader.Errors(ctx, v2)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "ee-201", errs[0].BoardID)
	assert.Equal(t, "degraded", errs[0].Status)
	assert.Equal(t, v1, errs[0].StaleFrom)
	assert.Contains(t, errs[0].Reason, "dropped")

	// Carried entries do not appear in the diff; fresh changes do.
	d, err := e.reader.Diff(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"cs-101-3"}, d.Added)
	require.Len(t, d.Updated, 1)
	assert.Equal(t, "cs-101-2", d.Updated[0].ID)
	assert.Equal(t, "h2", d.Updated[0].OldHash)
	assert.Equal(t, "h2-changed", d.Updated[0].NewHash)
	assert.Empty(t, d.Removed)

	stats, err := e.reader.Stats(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.NoticeCount)
	assert.Equal(t, 1, stats.StaleBoardCount)
}

func TestFinalizeStaleFromSurvivesConsecutiveCycles(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	v1 := e.publishFirstBatch(t)

	for i, id := range []string{"batch-2", "batch-3"} {
		e.clock.now = testNow.Add(time.Duration(i+1) * 30 * time.Minute)
		batch := e.startBatch(t, id, 2)
		e.succeedBoard(t, batch.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"))
		e.failBoard(t, batch.ID, "ee-201", ingest.BoardStatusFailed, "fetch board ee-201: status 503")
		_, err := e.finalizer.Finalize(ctx, batch.ID)
		require.NoError(t, err)
	}

	ptr, err := e.reader.LatestPointer(ctx)
	require.NoError(t, err)
	errs, err := e.reader.Errors(ctx, ptr.Version)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	// Two stale cycles later the entries still trace back to where they
	// were last fresh.
	assert.Equal(t, v1, errs[0].StaleFrom)

	entries, err := e.reader.BoardEntries(ctx, ptr.Version, "ee-201")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFinalizeExpiredBoardDropsOut(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	e.publishFirstBatch(t)

	// The streak is already at the expiry bound when the next cycle fails.
	require.NoError(t, e.batches.UpsertBoardState(ctx, ingest.BoardState{
		BoardID:       "ee-201",
		LastCount:     1,
		FailureStreak: 2,
		UpdatedAt:     testNow,
	}))

	e.clock.now = testNow.Add(30 * time.Minute)
	batch2 := e.startBatch(t, "batch-2", 2)
	e.succeedBoard(t, batch2.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"), fixtureNotice("cs-101", "2", "h2"))
	e.failBoard(t, batch2.ID, "ee-201", ingest.BoardStatusFailed, "fetch board ee-201: status 503")

	v2, err := e.finalizer.Finalize(ctx, batch2.ID)
	require.NoError(t, err)

	entries, err := e.reader.BoardEntries(ctx, v2, "ee-201")
	require.NoError(t, err)
	assert.Empty(t, entries)

	errs, err := e.reader.Errors(ctx, v2)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "expired", errs[0].Status)
	assert.Empty(t, errs[0].StaleFrom)

	// The dropped entries surface as removed.
	d, err := e.reader.Diff(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ee-201-1"}, d.Removed)
}

func TestFinalizeTimeoutCarriesStragglers(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	v1 := e.publishFirstBatch(t)

	// Board ee-201's job vanished: no result, no fragments.
	e.clock.now = testNow.Add(30 * time.Minute)
	batch2 := e.startBatch(t, "batch-2", 2)
	e.succeedBoard(t, batch2.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"))

	e.clock.now = e.clock.now.Add(25 * time.Minute)
	v2, err := e.finalizer.Finalize(ctx, batch2.ID)
	require.NoError(t, err)

	entries, err := e.reader.BoardEntries(ctx, v2, "ee-201")
	require.NoError(t, err)
	require.Len(t, entries, 1, "the stuck board is served from the previous version")

	errs, err := e.reader.Errors(ctx, v2)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "ee-201", errs[0].BoardID)
	assert.Equal(t, "failed", errs[0].Status)
	assert.Contains(t, errs[0].Reason, "no result recorded")
	assert.Equal(t, v1, errs[0].StaleFrom)

	// Nobody else records the straggler's failure, so finalize advances
	// its streak.
	state, err := e.batches.GetBoardState(ctx, "ee-201")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailureStreak)
	assert.Equal(t, e.clock.now, state.UpdatedAt)
}

func TestFinalizeDrainedBatchDropsDecommissionedBoard(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	e.publishFirstBatch(t)

	// ee-201 left the site map: the next batch expects one job and drains.
	e.clock.now = testNow.Add(30 * time.Minute)
	batch2 := e.startBatch(t, "batch-2", 1)
	e.succeedBoard(t, batch2.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"), fixtureNotice("cs-101", "2", "h2"))

	v2, err := e.finalizer.Finalize(ctx, batch2.ID)
	require.NoError(t, err)

	entries, err := e.reader.BoardEntries(ctx, v2, "ee-201")
	require.NoError(t, err)
	assert.Empty(t, entries)

	errs, err := e.reader.Errors(ctx, v2)
	require.NoError(t, err)
	assert.Empty(t, errs)

	d, err := e.reader.Diff(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ee-201-1"}, d.Removed)
}

func TestFinalizeSkipsFragmentsOfFailedBoard(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	batch := e.startBatch(t, "batch-1", 2)
	e.succeedBoard(t, batch.ID, "cs-101", fixtureNotice("cs-101", "1", "h1"))

	// ee-201 staged one row, then its job dead-lettered: the partial
	// fragment must not leak into the index.
	require.NoError(t, e.area.PutFragment(ctx, batch.ID, fixtureNotice("ee-201", "1", "h3")))
	e.failBoard(t, batch.ID, "ee-201", ingest.BoardStatusFailed, "fetch board ee-201: connection reset")

	version, err := e.finalizer.Finalize(ctx, batch.ID)
	require.NoError(t, err)

	entries, err := e.reader.IndexAll(ctx, version)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cs-101", entries[0].BoardID)
}
