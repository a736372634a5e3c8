package snapshot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/hash/sha256"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/snapshot"
	"github.com/noticegrid/ingestor/internal/store/memory"
)

func writeVersion(t *testing.T, store *memory.ObjectStore, version, batchID string) {
	t.Helper()
	writer, err := snapshot.NewWriter(store, sha256.New(), zap.NewNop())
	require.NoError(t, err)
	snap := testSnapshot()
	snap.Version = version
	snap.BatchID = batchID
	_, err = writer.Write(context.Background(), snap)
	require.NoError(t, err)
}

func TestRotate(t *testing.T) {
	store := memory.NewObjectStore()
	reader, err := snapshot.NewReader(store)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NothingPublishedYet", func(t *testing.T) {
		_, err := reader.LatestPointer(ctx)
		assert.ErrorIs(t, err, ingest.ErrNoSnapshot)
	})

	writeVersion(t, store, "20260314092653", "batch-1")
	require.NoError(t, snapshot.Rotate(ctx, store, snapshot.Pointer{Version: "20260314092653", BatchID: "batch-1"}))

	t.Run("FirstPublication", func(t *testing.T) {
		ptr, err := reader.LatestPointer(ctx)
		require.NoError(t, err)
		assert.Equal(t, "20260314092653", ptr.Version)

		_, err = store.Get(ctx, snapshot.PreviousPointerKey)
		assert.ErrorIs(t, err, ingest.ErrObjectNotFound, "no backup before the first rotation")
	})

	writeVersion(t, store, "20260315092653", "batch-2")
	require.NoError(t, snapshot.Rotate(ctx, store, snapshot.Pointer{Version: "20260315092653", BatchID: "batch-2"}))

	t.Run("RotationBacksUpPrevious", func(t *testing.T) {
		ptr, err := reader.LatestPointer(ctx)
		require.NoError(t, err)
		assert.Equal(t, "20260315092653", ptr.Version)

		backup, err := store.Get(ctx, snapshot.PreviousPointerKey)
		require.NoError(t, err)
		assert.Contains(t, string(backup), "20260314092653")
	})

	t.Run("DuplicateRotateIsNoOp", func(t *testing.T) {
		require.NoError(t, snapshot.Rotate(ctx, store, snapshot.Pointer{Version: "20260315092653", BatchID: "batch-2"}))

		backup, err := store.Get(ctx, snapshot.PreviousPointerKey)
		require.NoError(t, err)
		assert.Contains(t, string(backup), "20260314092653", "previous.json keeps the real predecessor")
	})
}

func TestRotateRefusesIncompleteVersion(t *testing.T) {
	store := memory.NewObjectStore()
	ctx := context.Background()

	t.Run("NoManifest", func(t *testing.T) {
		err := snapshot.Rotate(ctx, store, snapshot.Pointer{Version: "20260401000000"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manifest")
	})

	t.Run("ManifestFileMissing", func(t *testing.T) {
		writeVersion(t, store, "20260402000000", "batch-x")
		require.NoError(t, store.Delete(ctx, snapshot.VersionPrefix("20260402000000")+"diff.json"))

		err := snapshot.Rotate(ctx, store, snapshot.Pointer{Version: "20260402000000"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})
}

func TestVerify(t *testing.T) {
	store := memory.NewObjectStore()
	writeVersion(t, store, "20260314092653", "batch-1")

	assert.NoError(t, snapshot.Verify(context.Background(), store, "20260314092653"))
	assert.Error(t, snapshot.Verify(context.Background(), store, "no-such-version"))
}
