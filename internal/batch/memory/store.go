// Package memory provides an in-memory BatchStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noticegrid/ingestor/internal/ingest"
)

type lease struct {
	claimant  string
	claimedAt time.Time
}

// Store implements ingest.BatchStore with mutex-guarded maps.
type Store struct {
	mu      sync.RWMutex
	batches map[string]ingest.Batch
	results map[string]map[string]ingest.BoardResult
	states  map[string]ingest.BoardState
	leases  map[string]lease
}

// NewStore constructs an empty batch store.
func NewStore() *Store {
	return &Store{
		batches: make(map[string]ingest.Batch),
		results: make(map[string]map[string]ingest.BoardResult),
		states:  make(map[string]ingest.BoardState),
		leases:  make(map[string]lease),
	}
}

// CreateBatch stores new batch metadata.
func (s *Store) CreateBatch(_ context.Context, batch ingest.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	s.batches[batch.ID] = batch
	return nil
}

// GetBatch fetches a batch by ID.
func (s *Store) GetBatch(_ context.Context, batchID string) (ingest.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return ingest.Batch{}, ingest.ErrBatchNotFound
	}
	return batch, nil
}

// ListBatches returns batches newest-first.
func (s *Store) ListBatches(_ context.Context, limit, offset int) ([]ingest.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]ingest.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return []ingest.Batch{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ActiveBatch returns the most recently started batch still running.
func (s *Store) ActiveBatch(_ context.Context) (ingest.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active *ingest.Batch
	for _, b := range s.batches {
		if b.State != ingest.BatchStateRunning {
			continue
		}
		if active == nil || b.StartedAt.After(active.StartedAt) {
			cp := b
			active = &cp
		}
	}
	if active == nil {
		return ingest.Batch{}, ingest.ErrBatchNotFound
	}
	return *active, nil
}

// RecordBoardResult upserts one board's outcome; redeliveries overwrite with
// equivalent data, so the drained count never double-counts a board.
func (s *Store) RecordBoardResult(_ context.Context, result ingest.BoardResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[result.BatchID]; !ok {
		return ingest.ErrBatchNotFound
	}
	byBoard, ok := s.results[result.BatchID]
	if !ok {
		byBoard = make(map[string]ingest.BoardResult)
		s.results[result.BatchID] = byBoard
	}
	byBoard[result.BoardID] = result
	return nil
}

// ListBoardResults returns the batch's recorded outcomes sorted by board.
func (s *Store) ListBoardResults(_ context.Context, batchID string) ([]ingest.BoardResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byBoard := s.results[batchID]
	out := make([]ingest.BoardResult, 0, len(byBoard))
	for _, r := range byBoard {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoardID < out[j].BoardID })
	return out, nil
}

// ClaimFinalize grants the single-writer finalize lease. The same claimant
// may re-claim its own lease; a lease older than staleAfter may be stolen.
func (s *Store) ClaimFinalize(_ context.Context, batchID, claimant string, now time.Time, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return false, ingest.ErrBatchNotFound
	}
	if batch.State != ingest.BatchStateRunning {
		return false, nil
	}
	current, held := s.leases[batchID]
	if held && current.claimant != claimant && now.Sub(current.claimedAt) <= staleAfter {
		return false, nil
	}
	s.leases[batchID] = lease{claimant: claimant, claimedAt: now}
	return true, nil
}

// MarkFinalized records the batch's terminal state.
func (s *Store) MarkFinalized(_ context.Context, batchID string, state ingest.BatchState, finalizedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return ingest.ErrBatchNotFound
	}
	batch.State = state
	ts := finalizedAt
	batch.FinalizedAt = &ts
	s.batches[batchID] = batch
	return nil
}

// GetBoardState fetches one board's durable state.
func (s *Store) GetBoardState(_ context.Context, boardID string) (ingest.BoardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[boardID]
	if !ok {
		return ingest.BoardState{}, ingest.ErrBoardStateNotFound
	}
	return state, nil
}

// ListBoardStates returns all board states sorted by board ID.
func (s *Store) ListBoardStates(_ context.Context) ([]ingest.BoardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.BoardState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoardID < out[j].BoardID })
	return out, nil
}

// UpsertBoardState writes one board's durable state.
func (s *Store) UpsertBoardState(_ context.Context, state ingest.BoardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.BoardID == "" {
		return fmt.Errorf("board id is required")
	}
	s.states[state.BoardID] = state
	return nil
}
