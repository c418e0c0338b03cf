package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/axiomtrade/axiom/internal/domain/marketstore"
)

const levelOneInsertSQL = `
INSERT INTO level_one_quotes (
    security_id,
    timestamp,
    bid_price,
    bid_size,
    bid_mic,
    ask_price,
    ask_size,
    ask_mic,
    last_price,
    last_size,
    last_mic,
    mark_price,
    daily_high,
    daily_low,
    daily_open,
    prev_close,
    daily_volume,
    net_change,
    net_change_percent,
    security_status,
    quote_time,
    trade_time,
    is_realtime
)
VALUES (
    @security_id,
    @timestamp,
    @bid_price,
    @bid_size,
    @bid_mic,
    @ask_price,
    @ask_size,
    @ask_mic,
    @last_price,
    @last_size,
    @last_mic,
    @mark_price,
    @daily_high,
    @daily_low,
    @daily_open,
    @prev_close,
    @daily_volume,
    @net_change,
    @net_change_percent,
    @security_status,
    @quote_time,
    @trade_time,
    @is_realtime
);
`

// LevelOneStore appends Level-1 quote samples into daily partitions.
type LevelOneStore struct {
	pool       *pgxpool.Pool
	partitions *partitioner
}

// NewLevelOneStore constructs a LevelOneStore backed by the provided pool.
func NewLevelOneStore(pool *pgxpool.Pool, partitions *partitioner) *LevelOneStore {
	if partitions == nil {
		partitions = newPartitioner()
	}
	return &LevelOneStore{pool: pool, partitions: partitions}
}

// InsertLevelOne appends the batch. Partitions for every UTC day present in
// the batch are ensured before the insert transaction begins.
func (s *LevelOneStore) InsertLevelOne(ctx context.Context, rows []marketstore.LevelOneRow) error {
	if len(rows) == 0 {
		return nil
	}
	if s.pool == nil {
		return fmt.Errorf("level one store: nil pool")
	}
	stamps := make([]time.Time, len(rows))
	for i, row := range rows {
		stamps[i] = row.Timestamp
	}
	if err := s.partitions.ensureDays(ctx, s.pool, "level_one_quotes", stamps); err != nil {
		return fmt.Errorf("level one store: %w", err)
	}

	batch := new(pgx.Batch)
	for _, row := range rows {
		batch.Queue(levelOneInsertSQL, pgx.NamedArgs{
			"security_id":        row.SecurityID,
			"timestamp":          row.Timestamp.UTC(),
			"bid_price":          row.BidPrice,
			"bid_size":           row.BidSize,
			"bid_mic":            row.BidMIC,
			"ask_price":          row.AskPrice,
			"ask_size":           row.AskSize,
			"ask_mic":            row.AskMIC,
			"last_price":         row.LastPrice,
			"last_size":          row.LastSize,
			"last_mic":           row.LastMIC,
			"mark_price":         row.MarkPrice,
			"daily_high":         row.DailyHigh,
			"daily_low":          row.DailyLow,
			"daily_open":         row.DailyOpen,
			"prev_close":         row.PrevClose,
			"daily_volume":       row.DailyVolume,
			"net_change":         row.NetChange,
			"net_change_percent": row.NetChangePercent,
			"security_status":    row.SecurityStatus,
			"quote_time":         row.QuoteTime,
			"trade_time":         row.TradeTime,
			"is_realtime":        row.IsRealtime,
		})
	}
	return sendBatch(ctx, s.pool, batch, "level one store")
}

// sendBatch runs batch inside a short transaction and drains every result.
func sendBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, label string) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", label, err)
	}
	results := tx.SendBatch(ctx, batch)
	var execErr error
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if err := results.Close(); err != nil && execErr == nil {
		execErr = err
	}
	if execErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%s: rollback tx: %w (original error: %v)", label, rbErr, execErr)
		}
		return fmt.Errorf("%s: exec batch: %w", label, execErr)
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%s: commit tx: %w", label, err)
	}
	return nil
}
