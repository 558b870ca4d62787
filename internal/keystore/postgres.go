package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// PostgresStore persists key records in a postgres table. Seats live in a
// text[] column; the CAS update relies on array equality in the WHERE clause
// so a lost race affects zero rows and never partially applies.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing connection pool. The pool
// lifecycle is owned by the caller via Close.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*KeyRecord, error) {
	query := `
		SELECT id, expires_at, max_seats, seats
		FROM license_keys
		WHERE id = $1`

	rec := &KeyRecord{}
	err := s.db.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.ExpiresAt, &rec.MaxSeats, &rec.Seats)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key record: %w", err)
	}
	if rec.Seats == nil {
		rec.Seats = []string{}
	}
	return rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *KeyRecord) error {
	query := `
		INSERT INTO license_keys (id, expires_at, max_seats, seats)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.Exec(ctx, query, rec.ID, rec.ExpiresAt, rec.MaxSeats, rec.Seats)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrExists
		}
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	return nil
}

// UpdateSeats performs the compare-and-swap in a single UPDATE. RowsAffected
// zero means either the record is gone or another claim landed first; a
// follow-up point lookup disambiguates the two.
func (s *PostgresStore) UpdateSeats(ctx context.Context, id string, expect, next []string) error {
	query := `
		UPDATE license_keys
		SET seats = $3
		WHERE id = $1 AND seats = $2`

	tag, err := s.db.Exec(ctx, query, id, expect, next)
	if err != nil {
		return fmt.Errorf("failed to update seats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM license_keys WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check key after seat conflict: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrSeatConflict
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
