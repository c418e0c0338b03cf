package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/axiomtrade/axiom/internal/domain/marketstore"
)

const levelTwoInsertSQL = `
INSERT INTO level_two_quotes (
    security_id,
    timestamp,
    side,
    price_level,
    size,
    order_count,
    level_index,
    market_maker_id,
    mic_id,
    quote_time
)
VALUES (
    @security_id,
    @timestamp,
    @side,
    @price_level,
    @size,
    @order_count,
    @level_index,
    @market_maker_id,
    @mic_id,
    @quote_time
)
ON CONFLICT (security_id, timestamp, side, price_level) DO NOTHING;
`

// LevelTwoStore appends Level-2 book samples into daily partitions.
// Duplicate (security, timestamp, side, price_level) rows are dropped, which
// makes batch re-flushes after partial failures idempotent.
type LevelTwoStore struct {
	pool       *pgxpool.Pool
	partitions *partitioner
}

// NewLevelTwoStore constructs a LevelTwoStore backed by the provided pool.
func NewLevelTwoStore(pool *pgxpool.Pool, partitions *partitioner) *LevelTwoStore {
	if partitions == nil {
		partitions = newPartitioner()
	}
	return &LevelTwoStore{pool: pool, partitions: partitions}
}

// InsertLevelTwo appends the batch after ensuring the covering partitions.
func (s *LevelTwoStore) InsertLevelTwo(ctx context.Context, rows []marketstore.LevelTwoRow) error {
	if len(rows) == 0 {
		return nil
	}
	if s.pool == nil {
		return fmt.Errorf("level two store: nil pool")
	}
	stamps := make([]time.Time, len(rows))
	for i, row := range rows {
		stamps[i] = row.Timestamp
	}
	if err := s.partitions.ensureDays(ctx, s.pool, "level_two_quotes", stamps); err != nil {
		return fmt.Errorf("level two store: %w", err)
	}

	batch := new(pgx.Batch)
	for _, row := range rows {
		batch.Queue(levelTwoInsertSQL, pgx.NamedArgs{
			"security_id":     row.SecurityID,
			"timestamp":       row.Timestamp.UTC(),
			"side":            row.Side,
			"price_level":     row.PriceLevel,
			"size":            row.Size,
			"order_count":     row.OrderCount,
			"level_index":     row.LevelIndex,
			"market_maker_id": row.MarketMakerID,
			"mic_id":          row.MicID,
			"quote_time":      row.QuoteTime,
		})
	}
	return sendBatch(ctx, s.pool, batch, "level two store")
}
