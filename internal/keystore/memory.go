package keystore

import (
	"context"
	"sync"
)

// MemoryStore keeps key records in process memory. State is lost on restart;
// callers must not assume durability. It is the default medium for
// development and the reference implementation for the Store contract.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*KeyRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*KeyRecord)}
}

// Get returns a copy of the record so the caller cannot mutate stored state.
func (s *MemoryStore) Get(ctx context.Context, id string) (*KeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Insert stores the record, failing when the id is already taken. The
// existence check and the write happen under one lock, so a check-then-insert
// race cannot create duplicates.
func (s *MemoryStore) Insert(ctx context.Context, rec *KeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[rec.ID]; ok {
		return ErrExists
	}
	s.keys[rec.ID] = rec.Clone()
	return nil
}

// UpdateSeats swaps the seat set if it still matches expect. The compare and
// the swap are a single critical section, so the stored set either moves from
// expect to next in one step or does not move at all.
func (s *MemoryStore) UpdateSeats(ctx context.Context, id string, expect, next []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if !seatsEqual(rec.Seats, expect) {
		return ErrSeatConflict
	}
	rec.Seats = append([]string(nil), next...)
	return nil
}

// Ping always succeeds; the medium is the process itself.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the in-memory medium.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
