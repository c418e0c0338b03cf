package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	oauthStateDeleteForUserSQL = `
DELETE FROM oauth_states WHERE user_id = @user_id;
`

	oauthStateInsertSQL = `
INSERT INTO oauth_states (user_id, state, created_at)
VALUES (@user_id, @state, NOW());
`

	oauthStateConsumeSQL = `
DELETE FROM oauth_states WHERE state = @state RETURNING user_id;
`

	oauthStateDeleteExpiredSQL = `
DELETE FROM oauth_states WHERE created_at < NOW() - make_interval(secs => @secs);
`
)

// OAuthStateStore persists single-use OAuth state nonces. Each user holds at
// most one live state; minting a new one replaces the old atomically.
type OAuthStateStore struct {
	pool *pgxpool.Pool
}

// NewOAuthStateStore constructs an OAuthStateStore backed by the provided pool.
func NewOAuthStateStore(pool *pgxpool.Pool) *OAuthStateStore {
	return &OAuthStateStore{pool: pool}
}

// Replace installs state for the user, removing any prior state row for that
// user in the same transaction.
func (s *OAuthStateStore) Replace(ctx context.Context, userID, state string) error {
	if s.pool == nil {
		return fmt.Errorf("oauth state store: nil pool")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("oauth state store: begin tx: %w", err)
	}
	args := pgx.NamedArgs{"user_id": userID, "state": state}
	if _, err := tx.Exec(ctx, oauthStateDeleteForUserSQL, args); err == nil {
		_, err = tx.Exec(ctx, oauthStateInsertSQL, args)
	}
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("oauth state store: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return fmt.Errorf("oauth state store: replace state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("oauth state store: commit tx: %w", err)
	}
	return nil
}

// Consume deletes state and returns the user it belonged to. The delete makes
// each state single-use; a repeated callback with the same state fails.
func (s *OAuthStateStore) Consume(ctx context.Context, state string) (string, bool, error) {
	if s.pool == nil {
		return "", false, fmt.Errorf("oauth state store: nil pool")
	}
	var userID string
	err := s.pool.QueryRow(ctx, oauthStateConsumeSQL, pgx.NamedArgs{"state": state}).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("oauth state store: consume state: %w", err)
	}
	return userID, true, nil
}

// DeleteExpired removes states older than ttl and returns the count.
func (s *OAuthStateStore) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("oauth state store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, oauthStateDeleteExpiredSQL, pgx.NamedArgs{"secs": ttl.Seconds()})
	if err != nil {
		return 0, fmt.Errorf("oauth state store: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
