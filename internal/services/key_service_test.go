package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"keygate/internal/keystore"
)

const testSecret = "control-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		secret   string
		id       string
		months   float64
		maxSeats int
		wantErr  error
	}{
		{
			name:     "valid key",
			secret:   testSecret,
			id:       "KEY-001",
			months:   1,
			maxSeats: 2,
		},
		{
			name:     "fractional months",
			secret:   testSecret,
			id:       "KEY-002",
			months:   0.5,
			maxSeats: 1,
		},
		{
			name:     "wrong secret",
			secret:   "not-the-secret",
			id:       "KEY-003",
			months:   1,
			maxSeats: 1,
			wantErr:  ErrUnauthorized,
		},
		{
			name:     "empty id",
			secret:   testSecret,
			id:       "",
			months:   1,
			maxSeats: 1,
			wantErr:  ErrInvalidInput,
		},
		{
			name:     "zero months",
			secret:   testSecret,
			id:       "KEY-004",
			months:   0,
			maxSeats: 1,
			wantErr:  ErrInvalidInput,
		},
		{
			name:     "negative months",
			secret:   testSecret,
			id:       "KEY-005",
			months:   -1,
			maxSeats: 1,
			wantErr:  ErrInvalidInput,
		},
		{
			name:     "zero seats",
			secret:   testSecret,
			id:       "KEY-006",
			months:   1,
			maxSeats: 0,
			wantErr:  ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := keystore.NewMemoryStore()
			svc := NewKeyService(store, testSecret, testLogger(), WithClock(fixedClock(now)))

			rec, err := svc.Issue(context.Background(), tt.secret, tt.id, tt.months, tt.maxSeats)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rec)
				if tt.id != "" {
					_, getErr := store.Get(context.Background(), tt.id)
					assert.ErrorIs(t, getErr, keystore.ErrNotFound,
						"rejected issuance must not create a record")
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.id, rec.ID)
			assert.Equal(t, tt.maxSeats, rec.MaxSeats)
			assert.Empty(t, rec.Seats, "new keys start with no seats")

			wantExpiry := now.Add(time.Duration(tt.months * 30 * 24 * float64(time.Hour)))
			assert.Equal(t, wantExpiry, rec.ExpiresAt)
			assert.Equal(t, time.UTC, rec.ExpiresAt.Location())
		})
	}
}

func TestIssueDuplicate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := keystore.NewMemoryStore()
	svc := NewKeyService(store, testSecret, testLogger(), WithClock(fixedClock(now)))

	first, err := svc.Issue(context.Background(), testSecret, "DUP", 1, 3)
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), testSecret, "DUP", 6, 10)
	assert.ErrorIs(t, err, ErrKeyExists)

	// The original record survives untouched.
	got, err := store.Get(context.Background(), "DUP")
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, 3, got.MaxSeats)
}

func TestValidateUnknownKey(t *testing.T) {
	svc := NewKeyService(keystore.NewMemoryStore(), testSecret, testLogger())

	adm, err := svc.Validate(context.Background(), "NOPE", "u1")
	assert.ErrorIs(t, err, ErrKeyInvalid)
	assert.Nil(t, adm)
}

func TestValidateMissingIdentity(t *testing.T) {
	svc := NewKeyService(keystore.NewMemoryStore(), testSecret, testLogger())

	_, err := svc.Validate(context.Background(), "ANY", "")
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestValidateExpiredKey(t *testing.T) {
	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := keystore.NewMemoryStore()

	clock := issuedAt
	svc := NewKeyService(store, testSecret, testLogger(),
		WithClock(func() time.Time { return clock }))

	_, err := svc.Issue(context.Background(), testSecret, "SHORT", 1, 2)
	require.NoError(t, err)

	// Still valid one second before the deadline.
	clock = issuedAt.Add(30*24*time.Hour - time.Second)
	adm, err := svc.Validate(context.Background(), "SHORT", "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Second, adm.TimeRemaining)

	// Expired exactly at the deadline.
	clock = issuedAt.Add(30 * 24 * time.Hour)
	_, err = svc.Validate(context.Background(), "SHORT", "u2")
	assert.ErrorIs(t, err, ErrKeyExpired)

	// Expiry denial must not have claimed a seat.
	got, err := store.Get(context.Background(), "SHORT")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Seats)
}

func TestValidateSeatLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := keystore.NewMemoryStore()
	svc := NewKeyService(store, testSecret, testLogger(), WithClock(fixedClock(now)))

	_, err := svc.Issue(context.Background(), testSecret, "ABC", 1, 2)
	require.NoError(t, err)

	adm, err := svc.Validate(context.Background(), "ABC", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, adm.Record.Seats)

	adm, err = svc.Validate(context.Background(), "ABC", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, adm.Record.Seats)

	// A third identity is over capacity.
	_, err = svc.Validate(context.Background(), "ABC", "u3")
	assert.ErrorIs(t, err, ErrSeatLimit)

	// A seat holder re-validates without consuming anything.
	adm, err = svc.Validate(context.Background(), "ABC", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, adm.Record.Seats)

	got, err := store.Get(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Len(t, got.Seats, 2)
}

func TestValidateConcurrentSeatLimit(t *testing.T) {
	const (
		maxSeats = 5
		overflow = 4
	)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := keystore.NewMemoryStore()
	svc := NewKeyService(store, testSecret, testLogger(), WithClock(fixedClock(now)))

	_, err := svc.Issue(context.Background(), testSecret, "CROWD", 1, maxSeats)
	require.NoError(t, err)

	total := maxSeats + overflow
	results := make([]error, total)

	var g errgroup.Group
	for i := 0; i < total; i++ {
		i := i
		g.Go(func() error {
			_, results[i] = svc.Validate(context.Background(), "CROWD", fmt.Sprintf("user-%02d", i))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var admitted, denied int
	for _, res := range results {
		switch {
		case res == nil:
			admitted++
		default:
			assert.ErrorIs(t, res, ErrSeatLimit)
			denied++
		}
	}
	assert.Equal(t, maxSeats, admitted)
	assert.Equal(t, overflow, denied)

	got, err := store.Get(context.Background(), "CROWD")
	require.NoError(t, err)
	assert.Len(t, got.Seats, maxSeats)
}

// failingStore wraps a Store and fails every seat update once armed.
type failingStore struct {
	keystore.Store

	mu    sync.Mutex
	armed bool
}

func (f *failingStore) UpdateSeats(ctx context.Context, id string, expect, next []string) error {
	f.mu.Lock()
	armed := f.armed
	f.mu.Unlock()
	if armed {
		return fmt.Errorf("disk full")
	}
	return f.Store.UpdateSeats(ctx, id, expect, next)
}

func (f *failingStore) arm() {
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
}

func TestValidateRollbackOnStoreFailure(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := keystore.NewMemoryStore()
	store := &failingStore{Store: mem}
	svc := NewKeyService(store, testSecret, testLogger(), WithClock(fixedClock(now)))

	_, err := svc.Issue(context.Background(), testSecret, "FLAKY", 1, 3)
	require.NoError(t, err)

	store.arm()

	adm, err := svc.Validate(context.Background(), "FLAKY", "u1")
	assert.ErrorIs(t, err, ErrStore)
	assert.Nil(t, adm)

	// The failed claim left no trace. A later caller still sees a free seat.
	got, err := mem.Get(context.Background(), "FLAKY")
	require.NoError(t, err)
	assert.Empty(t, got.Seats)
}
