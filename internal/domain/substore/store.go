// Package substore defines persistence contracts for stream subscriptions.
package substore

import (
	"context"

	"github.com/google/uuid"
)

// Subscription is one desired-set row for a user.
type Subscription struct {
	ID         uuid.UUID
	UserID     string
	Symbol     string
	StreamType string
	Book       *string
	IsActive   bool
}

// Store manages the durable subscription intent for stream users.
type Store interface {
	// ListActive returns the user's rows with is_active=true.
	ListActive(ctx context.Context, userID string) ([]Subscription, error)
	// Add upserts symbols as active subscriptions; returns the number of
	// rows created or re-activated.
	Add(ctx context.Context, userID, streamType string, symbols []string, book *string) (int64, error)
	// SetActive flips is_active for the matching (user, streamType, symbols,
	// book) rows and returns the affected count.
	SetActive(ctx context.Context, userID, streamType string, symbols []string, book *string, active bool) (int64, error)
	// ActivateAll marks every row for the user active.
	ActivateAll(ctx context.Context, userID string) (int64, error)
	// DeactivateAll marks every row for the user inactive.
	DeactivateAll(ctx context.Context, userID string) (int64, error)
}
