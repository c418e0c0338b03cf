// Package marketstore defines persistence contracts for market-data samples.
package marketstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LevelOneRow is a normalized Level-1 sample ready for append-only insert.
// Prices are fixed-point integers scaled by 10,000.
type LevelOneRow struct {
	SecurityID       uuid.UUID
	Timestamp        time.Time
	BidPrice         *int64
	BidSize          *int64
	BidMIC           *string
	AskPrice         *int64
	AskSize          *int64
	AskMIC           *string
	LastPrice        *int64
	LastSize         *int64
	LastMIC          *string
	MarkPrice        *int64
	DailyHigh        *int64
	DailyLow         *int64
	DailyOpen        *int64
	PrevClose        *int64
	DailyVolume      *int64
	NetChange        *int64
	NetChangePercent *float64
	SecurityStatus   *string
	QuoteTime        *int64
	TradeTime        *int64
	IsRealtime       bool
}

// LevelTwoRow is a validated Level-2 sample: price_level, size, and
// order_count are strictly positive, level_index is non-negative.
type LevelTwoRow struct {
	SecurityID    uuid.UUID
	Timestamp     time.Time
	Side          string
	PriceLevel    int64
	Size          int64
	OrderCount    int64
	LevelIndex    int64
	MarketMakerID *string
	MicID         *string
	QuoteTime     *int64
}

// ChartKey identifies a candle for upsert purposes.
type ChartKey struct {
	SecurityID uuid.UUID
	Timestamp  time.Time
	Timeframe  string
}

// ChartRow is a normalized OHLCV candle keyed by (security, timestamp, timeframe).
type ChartRow struct {
	SecurityID     uuid.UUID
	Timestamp      time.Time
	Timeframe      string
	OpenPrice      int64
	HighPrice      int64
	LowPrice       int64
	ClosePrice     int64
	Volume         int64
	TradeCount     *int64
	VWAP           *int64
	IsRegularHours bool
}

// Key returns the upsert key for the row.
func (r ChartRow) Key() ChartKey {
	return ChartKey{SecurityID: r.SecurityID, Timestamp: r.Timestamp, Timeframe: r.Timeframe}
}

// UpsertResult reports how a chart batch was applied.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// SecurityResolver resolves canonical symbols to security ids. Symbols with
// no active security row are absent from the result map.
type SecurityResolver interface {
	ResolveSymbols(ctx context.Context, symbols []string) (map[string]uuid.UUID, error)
}

// LevelOneStore persists Level-1 samples append-only.
type LevelOneStore interface {
	InsertLevelOne(ctx context.Context, rows []LevelOneRow) error
}

// LevelTwoStore persists Level-2 samples append-only.
type LevelTwoStore interface {
	InsertLevelTwo(ctx context.Context, rows []LevelTwoRow) error
}

// ChartStore upserts candles keyed by (security, timestamp, timeframe).
type ChartStore interface {
	UpsertCharts(ctx context.Context, rows []ChartRow) (UpsertResult, error)
}
