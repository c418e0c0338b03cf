// Package postgres provides PostgreSQL-backed implementations of the
// domain store contracts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles every PostgreSQL-backed repository over one shared pool.
type Store struct {
	pool *pgxpool.Pool

	Securities    *SecurityStore
	LevelOne      *LevelOneStore
	LevelTwo      *LevelTwoStore
	Charts        *ChartStore
	Subscriptions *SubscriptionStore
	OAuthStates   *OAuthStateStore
}

// New constructs the repository bundle backed by the provided pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	securities, err := NewSecurityStore(pool)
	if err != nil {
		return nil, err
	}
	partitions := newPartitioner()
	return &Store{
		pool:          pool,
		Securities:    securities,
		LevelOne:      NewLevelOneStore(pool, partitions),
		LevelTwo:      NewLevelTwoStore(pool, partitions),
		Charts:        NewChartStore(pool, partitions),
		Subscriptions: NewSubscriptionStore(pool),
		OAuthStates:   NewOAuthStateStore(pool),
	}, nil
}

// Connect opens a pgx pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
