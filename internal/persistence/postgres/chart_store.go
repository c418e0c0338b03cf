package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/axiomtrade/axiom/internal/domain/marketstore"
)

const (
	chartExistingKeysSQL = `
SELECT c.security_id, c.timestamp, c.timeframe
FROM charts c
JOIN unnest(@security_ids::uuid[], @timestamps::timestamptz[], @timeframes::text[])
    AS k(security_id, ts, timeframe)
  ON c.security_id = k.security_id
 AND c.timestamp = k.ts
 AND c.timeframe = k.timeframe;
`

	chartInsertSQL = `
INSERT INTO charts (
    security_id,
    timestamp,
    timeframe,
    open_price,
    high_price,
    low_price,
    close_price,
    volume,
    trade_count,
    vwap,
    is_regular_hours
)
VALUES (
    @security_id,
    @timestamp,
    @timeframe,
    @open_price,
    @high_price,
    @low_price,
    @close_price,
    @volume,
    @trade_count,
    @vwap,
    @is_regular_hours
)
ON CONFLICT (security_id, timestamp, timeframe) DO NOTHING;
`

	chartUpdateSQL = `
UPDATE charts
SET open_price = @open_price,
    high_price = @high_price,
    low_price = @low_price,
    close_price = @close_price,
    volume = @volume,
    trade_count = @trade_count,
    vwap = @vwap,
    is_regular_hours = @is_regular_hours,
    updated_at = NOW()
WHERE security_id = @security_id
  AND timestamp = @timestamp
  AND timeframe = @timeframe;
`
)

// ChartStore upserts OHLCV candles keyed by (security, timestamp, timeframe).
type ChartStore struct {
	pool       *pgxpool.Pool
	partitions *partitioner
}

// NewChartStore constructs a ChartStore backed by the provided pool.
func NewChartStore(pool *pgxpool.Pool, partitions *partitioner) *ChartStore {
	if partitions == nil {
		partitions = newPartitioner()
	}
	return &ChartStore{pool: pool, partitions: partitions}
}

// UpsertCharts splits the batch into inserts and updates with a single
// existing-keys round trip, then applies both sides in one transaction.
func (s *ChartStore) UpsertCharts(ctx context.Context, rows []marketstore.ChartRow) (marketstore.UpsertResult, error) {
	var result marketstore.UpsertResult
	if len(rows) == 0 {
		return result, nil
	}
	if s.pool == nil {
		return result, fmt.Errorf("chart store: nil pool")
	}

	stamps := make([]time.Time, len(rows))
	for i, row := range rows {
		stamps[i] = row.Timestamp
	}
	if err := s.partitions.ensureDays(ctx, s.pool, "charts", stamps); err != nil {
		return result, fmt.Errorf("chart store: %w", err)
	}

	existing, err := s.existingKeys(ctx, rows)
	if err != nil {
		return result, err
	}

	batch := new(pgx.Batch)
	for _, row := range rows {
		args := pgx.NamedArgs{
			"security_id":      row.SecurityID,
			"timestamp":        row.Timestamp.UTC(),
			"timeframe":        row.Timeframe,
			"open_price":       row.OpenPrice,
			"high_price":       row.HighPrice,
			"low_price":        row.LowPrice,
			"close_price":      row.ClosePrice,
			"volume":           row.Volume,
			"trade_count":      row.TradeCount,
			"vwap":             row.VWAP,
			"is_regular_hours": row.IsRegularHours,
		}
		if _, known := existing[chartKey(row.SecurityID, row.Timestamp, row.Timeframe)]; known {
			batch.Queue(chartUpdateSQL, args)
			result.Updated++
		} else {
			batch.Queue(chartInsertSQL, args)
			result.Inserted++
		}
	}
	if err := sendBatch(ctx, s.pool, batch, "chart store"); err != nil {
		return marketstore.UpsertResult{}, err
	}
	return result, nil
}

// chartKey normalizes timestamps to UTC at microsecond precision so keys
// read back from timestamptz columns compare equal to in-memory ones.
func chartKey(id uuid.UUID, ts time.Time, timeframe string) marketstore.ChartKey {
	return marketstore.ChartKey{
		SecurityID: id,
		Timestamp:  ts.UTC().Truncate(time.Microsecond),
		Timeframe:  timeframe,
	}
}

func (s *ChartStore) existingKeys(ctx context.Context, rows []marketstore.ChartRow) (map[marketstore.ChartKey]struct{}, error) {
	ids := make([]uuid.UUID, len(rows))
	stamps := make([]time.Time, len(rows))
	frames := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.SecurityID
		stamps[i] = row.Timestamp.UTC()
		frames[i] = row.Timeframe
	}
	dbRows, err := s.pool.Query(ctx, chartExistingKeysSQL, pgx.NamedArgs{
		"security_ids": ids,
		"timestamps":   stamps,
		"timeframes":   frames,
	})
	if err != nil {
		return nil, fmt.Errorf("chart store: query existing keys: %w", err)
	}
	defer dbRows.Close()

	existing := make(map[marketstore.ChartKey]struct{}, len(rows))
	for dbRows.Next() {
		var (
			id        uuid.UUID
			ts        time.Time
			timeframe string
		)
		if err := dbRows.Scan(&id, &ts, &timeframe); err != nil {
			return nil, fmt.Errorf("chart store: scan existing key: %w", err)
		}
		existing[chartKey(id, ts, timeframe)] = struct{}{}
	}
	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("chart store: iterate existing keys: %w", err)
	}
	return existing, nil
}
