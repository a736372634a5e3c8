// Package staging manages the batch-scoped fragment area in the object store.
// Fragments are keyed by (batch, canonical ID), so a redelivered job rewrites
// the same keys with equivalent bytes and never touches another batch.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/notice"
)

const prefix = "staging/"

func batchPrefix(batchID string) string {
	return prefix + batchID + "/"
}

func fragmentKey(batchID, canonicalID string) string {
	return batchPrefix(batchID) + "fragments/" + canonicalID + ".json"
}

// Area reads and writes one batch's staged fragments.
type Area struct {
	objects ingest.ObjectStore
}

// NewArea creates a staging area over the given object store.
func NewArea(objects ingest.ObjectStore) (*Area, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Area{objects: objects}, nil
}

// PutFragment writes one full normalized notice into the batch's staging
// prefix. Rewrites are allowed: concurrent discoveries of the same notice
// write equivalent bytes, so last write wins.
func (a *Area) PutFragment(ctx context.Context, batchID string, n notice.Notice) error {
	if strings.TrimSpace(batchID) == "" {
		return fmt.Errorf("batch id is required")
	}
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("fragment canonical id is required")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal fragment %s: %w", n.ID, err)
	}
	if err := a.objects.Put(ctx, fragmentKey(batchID, n.ID), data); err != nil {
		return fmt.Errorf("stage fragment %s: %w", n.ID, err)
	}
	return nil
}

// ListFragments returns every staged fragment for the batch, sorted by
// canonical ID. A batch with no fragments yields an empty slice.
func (a *Area) ListFragments(ctx context.Context, batchID string) ([]notice.Notice, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("batch id is required")
	}
	keys, err := a.objects.List(ctx, batchPrefix(batchID)+"fragments/")
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	fragments := make([]notice.Notice, 0, len(keys))
	for _, key := range keys {
		data, err := a.objects.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read fragment %s: %w", key, err)
		}
		var n notice.Notice
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("decode fragment %s: %w", key, err)
		}
		fragments = append(fragments, n)
	}
	sort.Slice(fragments, func(i, j int) bool { return fragments[i].ID < fragments[j].ID })
	return fragments, nil
}

// Cleanup deletes everything staged for the batch. Safe to call after the
// batch's snapshot has been published; missing keys are tolerated.
func (a *Area) Cleanup(ctx context.Context, batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return fmt.Errorf("batch id is required")
	}
	keys, err := a.objects.List(ctx, batchPrefix(batchID))
	if err != nil {
		return fmt.Errorf("list staged objects: %w", err)
	}
	for _, key := range keys {
		if err := a.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete staged object %s: %w", key, err)
		}
	}
	return nil
}
