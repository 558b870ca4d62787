// Package keystore defines the durable key-record contract and its backing
// store implementations. The service layer depends on the Store interface
// only; the medium behind it (process memory, redis, postgres) is opaque and
// carries its own transactional semantics.
package keystore

import (
	"context"
	"errors"
	"time"
)

// Store errors. Implementations must return these sentinels (possibly
// wrapped) so callers can distinguish absence and contention from real
// persistence failures.
var (
	// ErrNotFound is returned by Get and UpdateSeats when no record
	// exists for the given id.
	ErrNotFound = errors.New("keystore: key not found")

	// ErrExists is returned by Insert when a record with the same id is
	// already present.
	ErrExists = errors.New("keystore: key already exists")

	// ErrSeatConflict is returned by UpdateSeats when the stored seat set
	// no longer matches the expected snapshot. The caller re-reads and
	// retries; stored state is unchanged.
	ErrSeatConflict = errors.New("keystore: concurrent seat update")
)

// KeyRecord is the sole persistent entity: an issued key, its absolute
// expiry and its admitted caller identities.
type KeyRecord struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxSeats  int       `json:"max_seats"`
	Seats     []string  `json:"seats"`
}

// HasSeat reports whether user already holds a seat on the record.
func (r *KeyRecord) HasSeat(user string) bool {
	for _, s := range r.Seats {
		if s == user {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never alias stored state.
func (r *KeyRecord) Clone() *KeyRecord {
	cp := *r
	cp.Seats = append([]string(nil), r.Seats...)
	return &cp
}

// Store is the durable mapping from key id to KeyRecord.
//
// UpdateSeats is a compare-and-swap: it replaces the seat set only while the
// stored set still equals expect, and fails with ErrSeatConflict otherwise.
// Concurrent claims on the same key therefore serialize without the store
// holding locks across calls, and claims on different keys never block each
// other. Any failure leaves stored state unchanged.
type Store interface {
	Get(ctx context.Context, id string) (*KeyRecord, error)
	Insert(ctx context.Context, rec *KeyRecord) error
	UpdateSeats(ctx context.Context, id string, expect, next []string) error

	// Ping reports whether the backing medium is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// seatsEqual compares two seat sets as ordered lists. Seat sets are
// append-only, so order is stable and a positional compare is sufficient.
func seatsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
