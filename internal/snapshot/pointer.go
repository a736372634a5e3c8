package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// Verify checks that every file the version's manifest references exists in
// the store. The pointer must never be rotated to a version that fails this.
func Verify(ctx context.Context, objects ingest.ObjectStore, version string) error {
	prefix := VersionPrefix(version)
	data, err := objects.Get(ctx, prefix+manifestPath())
	if err != nil {
		if errors.Is(err, ingest.ErrObjectNotFound) {
			return fmt.Errorf("version %s has no manifest", version)
		}
		return fmt.Errorf("read manifest for %s: %w", version, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode manifest for %s: %w", version, err)
	}

	keys, err := objects.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list version %s: %w", version, err)
	}
	existing := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		existing[key] = struct{}{}
	}
	for path := range manifest.Files {
		if _, ok := existing[prefix+path]; !ok {
			return fmt.Errorf("version %s is missing %s", version, path)
		}
	}
	return nil
}

// Rotate publishes ptr.Version: it verifies the version is complete, backs
// the current pointer up to previous.json, then overwrites latest.json. The
// overwrite is the single atomic publication step; any failure before it
// leaves readers on the prior version. Stores that expose a Locker serialize
// rotations through it.
func Rotate(ctx context.Context, objects ingest.ObjectStore, ptr Pointer) error {
	if ptr.Version == "" {
		return fmt.Errorf("pointer version is required")
	}
	if err := Verify(ctx, objects, ptr.Version); err != nil {
		return err
	}

	rotate := func() error {
		current, err := objects.Get(ctx, PointerKey)
		switch {
		case err == nil:
			var cur Pointer
			if decodeErr := json.Unmarshal(current, &cur); decodeErr == nil && cur.Version == ptr.Version {
				// Duplicate finalize for an already-published version;
				// leave previous.json pointing at the real predecessor.
				return nil
			}
			if err := objects.Put(ctx, PreviousPointerKey, current); err != nil {
				return fmt.Errorf("back up pointer: %w", err)
			}
		case errors.Is(err, ingest.ErrObjectNotFound):
			// First publication; nothing to back up.
		default:
			return fmt.Errorf("read pointer: %w", err)
		}

		data, err := encode(ptr)
		if err != nil {
			return fmt.Errorf("marshal pointer: %w", err)
		}
		if err := objects.Put(ctx, PointerKey, data); err != nil {
			return fmt.Errorf("write pointer: %w", err)
		}
		return nil
	}

	if locker, ok := objects.(ingest.Locker); ok {
		return locker.WithLock(ctx, "pointer", rotate)
	}
	return rotate()
}
