package postgres

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const securityCacheSize = 4096

const securityResolveSQL = `
SELECT symbol, id
FROM securities
WHERE symbol = ANY(@symbols)
  AND is_active;
`

// SecurityStore resolves canonical symbols to security ids with a bounded
// in-process cache in front of the securities table.
type SecurityStore struct {
	pool  *pgxpool.Pool
	cache *lru.Cache[string, uuid.UUID]
}

// NewSecurityStore constructs a SecurityStore backed by the provided pool.
func NewSecurityStore(pool *pgxpool.Pool) (*SecurityStore, error) {
	cache, err := lru.New[string, uuid.UUID](securityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("security store: build cache: %w", err)
	}
	return &SecurityStore{pool: pool, cache: cache}, nil
}

// ResolveSymbols maps canonical symbols to security ids. Symbols without an
// active security row are absent from the result; negative results are not
// cached, so a symbol added later resolves on the next batch.
func (s *SecurityStore) ResolveSymbols(ctx context.Context, symbols []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(symbols))
	var misses []string
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if _, ok := out[symbol]; ok {
			continue
		}
		if id, ok := s.cache.Get(symbol); ok {
			out[symbol] = id
			continue
		}
		misses = append(misses, symbol)
	}
	if len(misses) == 0 {
		return out, nil
	}
	if s.pool == nil {
		return nil, fmt.Errorf("security store: nil pool")
	}

	rows, err := s.pool.Query(ctx, securityResolveSQL, pgx.NamedArgs{"symbols": misses})
	if err != nil {
		return nil, fmt.Errorf("security store: resolve symbols: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			symbol string
			id     uuid.UUID
		)
		if err := rows.Scan(&symbol, &id); err != nil {
			return nil, fmt.Errorf("security store: scan security: %w", err)
		}
		out[symbol] = id
		s.cache.Add(symbol, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("security store: iterate securities: %w", err)
	}
	return out, nil
}
