// Package services implements the key issuance and validation core. The
// service owns expiry arithmetic and the seat admission policy; all record
// state lives behind the keystore.Store contract and is re-read on every
// call, never cached across requests.
package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/infrastructure"
	"keygate/internal/keystore"
)

// daysPerMonth fixes the month-to-duration conversion. A deliberate
// approximation, not calendar arithmetic.
const daysPerMonth = 30

// Admission is the successful outcome of a validation call.
type Admission struct {
	Record *keystore.KeyRecord
	// TimeRemaining is the time until expiry at the moment of the check,
	// always positive on an admission.
	TimeRemaining time.Duration
}

// KeyService mints keys and validates key/user pairs against the store.
type KeyService struct {
	store         keystore.Store
	logger        *slog.Logger
	controlSecret string
	now           func() time.Time
	metrics       *infrastructure.BusinessMetrics
}

// Option configures a KeyService.
type Option func(*KeyService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *KeyService) { s.now = now }
}

// WithMetrics attaches business metrics recording.
func WithMetrics(m *infrastructure.BusinessMetrics) Option {
	return func(s *KeyService) { s.metrics = m }
}

// NewKeyService creates the service. controlSecret gates issuance.
func NewKeyService(store keystore.Store, controlSecret string, logger *slog.Logger, opts ...Option) *KeyService {
	s := &KeyService{
		store:         store,
		logger:        logger.With(slog.String("service", "key")),
		controlSecret: controlSecret,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a new key record with an empty seat set. The expiry is
// now + expireMonths * 30 days, UTC. The id is never overwritten: losing an
// insert race against a concurrent issuance reports ErrKeyExists.
func (s *KeyService) Issue(ctx context.Context, controlSecret, id string, expireMonths float64, maxSeats int) (*keystore.KeyRecord, error) {
	s.countIssueAttempt(ctx)

	if subtle.ConstantTimeCompare([]byte(controlSecret), []byte(s.controlSecret)) != 1 {
		s.logger.WarnContext(ctx, "issuance rejected: control secret mismatch")
		return nil, ErrUnauthorized
	}
	if id == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	if expireMonths <= 0 {
		return nil, fmt.Errorf("%w: expire_months must be positive", ErrInvalidInput)
	}
	if maxSeats <= 0 {
		return nil, fmt.Errorf("%w: max_users must be positive", ErrInvalidInput)
	}

	rec := &keystore.KeyRecord{
		ID:        id,
		ExpiresAt: s.now().UTC().Add(monthsToDuration(expireMonths)),
		MaxSeats:  maxSeats,
		Seats:     []string{},
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, keystore.ErrExists) {
			s.logger.InfoContext(ctx, "issuance rejected: duplicate key",
				slog.String("key", id))
			return nil, ErrKeyExists
		}
		s.logger.ErrorContext(ctx, "issuance failed: store error",
			slog.String("key", id),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	s.countIssueSuccess(ctx)
	s.logger.InfoContext(ctx, "key issued",
		slog.String("key", id),
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Int("max_users", maxSeats))
	return rec, nil
}

// Validate admits or rejects a key/user pair. An already-seated user is
// admitted without mutation, checked before the capacity check so a seated
// caller is never locked out of a full pool. An unseen user claims a seat via
// compare-and-swap; a lost swap means another claim landed, and the loop
// re-reads current state. Each conflict implies durable progress by someone
// else, so the loop terminates: seats only grow, up to MaxSeats.
func (s *KeyService) Validate(ctx context.Context, id, user string) (*Admission, error) {
	s.countValidation(ctx)
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ValidationDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if user == "" {
		return nil, ErrMissingIdentity
	}
	if id == "" {
		return nil, ErrKeyInvalid
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}

		rec, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, keystore.ErrNotFound) {
				return nil, ErrKeyInvalid
			}
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}

		remaining := rec.ExpiresAt.Sub(s.now().UTC())
		if remaining <= 0 {
			s.logger.InfoContext(ctx, "validation denied: key expired",
				slog.String("key", id),
				slog.Time("expired_at", rec.ExpiresAt))
			return nil, ErrKeyExpired
		}

		if rec.HasSeat(user) {
			return &Admission{Record: rec, TimeRemaining: remaining}, nil
		}

		if len(rec.Seats) >= rec.MaxSeats {
			s.logger.InfoContext(ctx, "validation denied: seat limit reached",
				slog.String("key", id),
				slog.Int("max_users", rec.MaxSeats))
			return nil, ErrSeatLimit
		}

		next := append(append([]string(nil), rec.Seats...), user)
		switch err := s.store.UpdateSeats(ctx, id, rec.Seats, next); {
		case err == nil:
			rec.Seats = next
			s.countSeatClaim(ctx)
			s.logger.InfoContext(ctx, "seat claimed",
				slog.String("key", id),
				slog.Int("seats", len(next)),
				slog.Int("max_users", rec.MaxSeats))
			return &Admission{Record: rec, TimeRemaining: remaining}, nil
		case errors.Is(err, keystore.ErrSeatConflict):
			s.countSeatConflict(ctx)
			continue
		case errors.Is(err, keystore.ErrNotFound):
			return nil, ErrKeyInvalid
		default:
			// The store guarantees a failed update left durable state
			// unchanged; the caller is never told it was admitted.
			s.logger.ErrorContext(ctx, "seat claim failed: store error",
				slog.String("key", id),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
	}
}

func monthsToDuration(months float64) time.Duration {
	return time.Duration(months * daysPerMonth * 24 * float64(time.Hour))
}

func (s *KeyService) countIssueAttempt(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.KeyIssueAttempts.Add(ctx, 1)
	}
}

func (s *KeyService) countIssueSuccess(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.KeyIssueSuccess.Add(ctx, 1)
	}
}

func (s *KeyService) countValidation(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.KeyValidationChecks.Add(ctx, 1)
	}
}

func (s *KeyService) countSeatClaim(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SeatClaims.Add(ctx, 1)
	}
}

func (s *KeyService) countSeatConflict(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SeatClaimConflicts.Add(ctx, 1)
	}
}
