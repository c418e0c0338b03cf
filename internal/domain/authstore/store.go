// Package authstore defines persistence contracts for OAuth state nonces.
package authstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State binds a single-use OAuth state nonce to a user.
type State struct {
	ID        uuid.UUID
	UserID    string
	State     string
	CreatedAt time.Time
}

// Store manages OAuth state rows. States are single-use: a successful
// Consume deletes the row before returning the user id.
type Store interface {
	// Replace installs state for the user, removing any prior state row for
	// that user in the same transaction.
	Replace(ctx context.Context, userID, state string) error
	// Consume looks up state, deletes it, and returns the bound user. An
	// unknown state reports ok=false without error.
	Consume(ctx context.Context, state string) (userID string, ok bool, err error)
	// DeleteExpired removes states older than ttl and returns the count.
	DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error)
}
