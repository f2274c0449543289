// Package store persists the per-user MFA factor record. Updates are
// read-modify-write atomic per user id via a compare-and-swap on a version
// column: two concurrent enrollments for the same user can never silently
// clobber each other.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/calant/stepup/pkg/domain"
)

// casRetries bounds how often Update replays the reducer after losing a
// compare-and-swap race.
const casRetries = 5

// Reducer maps the current factor record to its next value. It may run more
// than once when writers race, so it must be side-effect free.
type Reducer func(domain.MfaState) (domain.MfaState, error)

// FactorStore is the PostgreSQL-backed MFA factor record store.
type FactorStore struct {
	db *sql.DB
}

// NewFactorStore creates a factor store over an open database handle.
func NewFactorStore(db *sql.DB) *FactorStore {
	return &FactorStore{db: db}
}

// Get reads the factor record for a user. A user without a record gets the
// zero state; the row is created on first update.
func (s *FactorStore) Get(ctx context.Context, userID uuid.UUID) (domain.MfaState, error) {
	state, _, err := s.read(ctx, userID)
	return state, err
}

func (s *FactorStore) read(ctx context.Context, userID uuid.UUID) (domain.MfaState, int64, error) {
	query := `
		SELECT state, version
		FROM mfa_state
		WHERE user_id = $1
	`
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return domain.MfaState{}, 0, nil
	}
	if err != nil {
		return domain.MfaState{}, 0, fmt.Errorf("failed to read mfa state: %w", err)
	}

	var state domain.MfaState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.MfaState{}, 0, fmt.Errorf("failed to decode mfa state: %w", err)
	}
	return state, version, nil
}

// Update applies the reducer to the current record and persists the result
// atomically. The write succeeds only if no other writer advanced the
// version in between; losers re-read and replay. The persisted state is
// returned so callers never re-read after writing.
func (s *FactorStore) Update(ctx context.Context, userID uuid.UUID, reduce Reducer) (domain.MfaState, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, version, err := s.read(ctx, userID)
		if err != nil {
			return domain.MfaState{}, err
		}

		next, err := reduce(current)
		if err != nil {
			return domain.MfaState{}, err
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return domain.MfaState{}, fmt.Errorf("failed to encode mfa state: %w", err)
		}

		var swapped bool
		if version == 0 {
			swapped, err = s.insert(ctx, userID, raw)
		} else {
			swapped, err = s.swap(ctx, userID, raw, version)
		}
		if err != nil {
			return domain.MfaState{}, err
		}
		if swapped {
			return next, nil
		}
	}
	return domain.MfaState{}, domain.ErrStateConflict
}

func (s *FactorStore) insert(ctx context.Context, userID uuid.UUID, raw []byte) (bool, error) {
	query := `
		INSERT INTO mfa_state (user_id, state, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, userID, raw)
	if err != nil {
		return false, fmt.Errorf("failed to create mfa state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create mfa state: %w", err)
	}
	return n == 1, nil
}

func (s *FactorStore) swap(ctx context.Context, userID uuid.UUID, raw []byte, version int64) (bool, error) {
	query := `
		UPDATE mfa_state
		SET state = $2, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $3
	`
	res, err := s.db.ExecContext(ctx, query, userID, raw, version)
	if err != nil {
		return false, fmt.Errorf("failed to update mfa state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update mfa state: %w", err)
	}
	return n == 1, nil
}
