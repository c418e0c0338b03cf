package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/axiomtrade/axiom/internal/domain/substore"
)

const (
	subscriptionListActiveSQL = `
SELECT id, user_id, symbol, stream_type, book, is_active
FROM stream_subscriptions
WHERE user_id = @user_id
  AND is_active
ORDER BY stream_type, symbol;
`

	subscriptionAddSQL = `
INSERT INTO stream_subscriptions (user_id, symbol, stream_type, book, is_active, created_at, updated_at)
SELECT @user_id, s, @stream_type, @book, TRUE, NOW(), NOW()
FROM unnest(@symbols::text[]) AS s
ON CONFLICT (user_id, symbol, stream_type, book) DO UPDATE SET
    is_active = TRUE,
    updated_at = NOW();
`

	subscriptionSetActiveSQL = `
UPDATE stream_subscriptions
SET is_active = @active,
    updated_at = NOW()
WHERE user_id = @user_id
  AND stream_type = @stream_type
  AND book = @book
  AND symbol = ANY(@symbols)
  AND is_active <> @active;
`

	subscriptionSetAllSQL = `
UPDATE stream_subscriptions
SET is_active = @active,
    updated_at = NOW()
WHERE user_id = @user_id
  AND is_active <> @active;
`
)

// SubscriptionStore persists the durable subscription desired set. Book is
// stored as an empty string for streams that have no book dimension so the
// uniqueness key stays total.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore constructs a SubscriptionStore backed by the provided pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

func (s *SubscriptionStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("subscription store: nil pool")
	}
	return s.pool, nil
}

// ListActive returns the user's active subscription rows.
func (s *SubscriptionStore) ListActive(ctx context.Context, userID string) ([]substore.Subscription, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, subscriptionListActiveSQL, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("subscription store: list active: %w", err)
	}
	defer rows.Close()

	var subs []substore.Subscription
	for rows.Next() {
		var (
			sub  substore.Subscription
			book string
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Symbol, &sub.StreamType, &book, &sub.IsActive); err != nil {
			return nil, fmt.Errorf("subscription store: scan subscription: %w", err)
		}
		if book != "" {
			sub.Book = &book
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

// Add upserts symbols as active subscriptions for the user.
func (s *SubscriptionStore) Add(ctx context.Context, userID, streamType string, symbols []string, book *string) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	cleaned := normalizeSymbols(symbols)
	if len(cleaned) == 0 {
		return 0, nil
	}
	tag, err := pool.Exec(ctx, subscriptionAddSQL, pgx.NamedArgs{
		"user_id":     userID,
		"stream_type": streamType,
		"book":        bookColumn(book),
		"symbols":     cleaned,
	})
	if err != nil {
		return 0, fmt.Errorf("subscription store: add: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetActive flips is_active for the matching rows.
func (s *SubscriptionStore) SetActive(ctx context.Context, userID, streamType string, symbols []string, book *string, active bool) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	cleaned := normalizeSymbols(symbols)
	if len(cleaned) == 0 {
		return 0, nil
	}
	tag, err := pool.Exec(ctx, subscriptionSetActiveSQL, pgx.NamedArgs{
		"user_id":     userID,
		"stream_type": streamType,
		"book":        bookColumn(book),
		"symbols":     cleaned,
		"active":      active,
	})
	if err != nil {
		return 0, fmt.Errorf("subscription store: set active: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActivateAll marks every subscription row for the user active.
func (s *SubscriptionStore) ActivateAll(ctx context.Context, userID string) (int64, error) {
	return s.setAll(ctx, userID, true)
}

// DeactivateAll marks every subscription row for the user inactive.
func (s *SubscriptionStore) DeactivateAll(ctx context.Context, userID string) (int64, error) {
	return s.setAll(ctx, userID, false)
}

func (s *SubscriptionStore) setAll(ctx context.Context, userID string, active bool) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, subscriptionSetAllSQL, pgx.NamedArgs{"user_id": userID, "active": active})
	if err != nil {
		return 0, fmt.Errorf("subscription store: set all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func bookColumn(book *string) string {
	if book == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(*book))
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
