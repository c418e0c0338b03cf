// Package ingest turns decoded stream records into persisted rows: symbol
// resolution, fixed-point conversion, validation, and the flush callbacks
// driven by the batchers.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/domain/marketstore"
	"github.com/axiomtrade/axiom/internal/numeric"
	"github.com/axiomtrade/axiom/internal/observability"
	"github.com/axiomtrade/axiom/internal/schema"
)

// LevelOneItem is one decoded L1 quote with its receive time.
type LevelOneItem struct {
	Quote      schema.LevelOneQuote
	ReceivedAt time.Time
}

// LevelTwoItem is one decoded L2 book level with its receive time.
type LevelTwoItem struct {
	Quote      schema.LevelTwoQuote
	ReceivedAt time.Time
}

// ChartItem is one decoded OHLCV candle with its receive time.
type ChartItem struct {
	Bar        schema.ChartBar
	ReceivedAt time.Time
}

// Flusher converts decoded batches into store rows. One bad record never
// fails its batch: unknown symbols and invalid samples are dropped with
// counters, the siblings persist.
type Flusher struct {
	resolver marketstore.SecurityResolver
	l1       marketstore.LevelOneStore
	l2       marketstore.LevelTwoStore
	charts   marketstore.ChartStore
	metrics  *observability.RuntimeMetrics
}

// NewFlusher wires the flush workers to their stores.
func NewFlusher(
	resolver marketstore.SecurityResolver,
	l1 marketstore.LevelOneStore,
	l2 marketstore.LevelTwoStore,
	charts marketstore.ChartStore,
	metrics *observability.RuntimeMetrics,
) (*Flusher, error) {
	if resolver == nil || l1 == nil || l2 == nil || charts == nil {
		return nil, errs.New("ingest", errs.CodeConfig, errs.WithMessage("all stores required"))
	}
	if metrics == nil {
		metrics = observability.NewRuntimeMetrics()
	}
	return &Flusher{resolver: resolver, l1: l1, l2: l2, charts: charts, metrics: metrics}, nil
}

// FlushLevelOne persists an L1 batch append-only. Crossed quotes (ask below
// bid when both sides are present) are rejected like invalid L2 levels.
func (f *Flusher) FlushLevelOne(ctx context.Context, batch []LevelOneItem) error {
	ids, err := f.resolveBatch(ctx, "l1", len(batch), func(i int) string { return batch[i].Quote.Symbol })
	if err != nil {
		return err
	}
	rows := make([]marketstore.LevelOneRow, 0, len(batch))
	var rejected int64
	for _, item := range batch {
		id, ok := ids[schema.CanonicalSymbol(item.Quote.Symbol)]
		if !ok {
			continue
		}
		q := item.Quote
		bid := fixedPrice(q.BidPrice)
		ask := fixedPrice(q.AskPrice)
		if bid != nil && ask != nil && *ask < *bid {
			rejected++
			continue
		}
		rows = append(rows, marketstore.LevelOneRow{
			SecurityID:       id,
			Timestamp:        item.ReceivedAt.UTC(),
			BidPrice:         bid,
			BidSize:          fixedQuantity(q.BidSize),
			BidMIC:           optString(q.BidMIC),
			AskPrice:         ask,
			AskSize:          fixedQuantity(q.AskSize),
			AskMIC:           optString(q.AskMIC),
			LastPrice:        fixedPrice(q.LastPrice),
			LastSize:         fixedQuantity(q.LastSize),
			LastMIC:          optString(q.LastMIC),
			MarkPrice:        fixedPrice(q.MarkPrice),
			DailyHigh:        fixedPrice(q.DailyHigh),
			DailyLow:         fixedPrice(q.DailyLow),
			DailyOpen:        fixedPrice(q.DailyOpen),
			PrevClose:        fixedPrice(q.PrevClose),
			DailyVolume:      fixedQuantity(q.DailyVolume),
			NetChange:        fixedPrice(q.NetChange),
			NetChangePercent: q.NetChangePercent,
			SecurityStatus:   optString(q.SecurityStatus),
			QuoteTime:        q.QuoteTime,
			TradeTime:        q.TradeTime,
			IsRealtime:       q.IsRealtime,
		})
	}
	if rejected > 0 {
		f.metrics.RecordValidationReject("l1", rejected)
		observability.Log().Warn("dropped crossed level one quotes",
			observability.F("rejected", rejected),
			observability.F("batch_size", len(batch)))
	}
	if len(rows) == 0 {
		return nil
	}
	return f.l1.InsertLevelOne(ctx, rows)
}

// FlushLevelTwo persists an L2 batch, enforcing the positivity invariants.
// Rejected levels are counted and logged; the rest of the batch persists.
func (f *Flusher) FlushLevelTwo(ctx context.Context, batch []LevelTwoItem) error {
	ids, err := f.resolveBatch(ctx, "l2", len(batch), func(i int) string { return batch[i].Quote.Symbol })
	if err != nil {
		return err
	}
	rows := make([]marketstore.LevelTwoRow, 0, len(batch))
	var rejected int64
	for _, item := range batch {
		q := item.Quote
		id, ok := ids[schema.CanonicalSymbol(q.Symbol)]
		if !ok {
			continue
		}
		price, size, count, ok := validLevelTwo(q)
		if !ok {
			rejected++
			continue
		}
		rows = append(rows, marketstore.LevelTwoRow{
			SecurityID:    id,
			Timestamp:     item.ReceivedAt.UTC(),
			Side:          string(q.Side),
			PriceLevel:    price,
			Size:          size,
			OrderCount:    count,
			LevelIndex:    q.LevelIndex,
			MarketMakerID: optString(q.MarketMakerID),
			MicID:         optString(q.MicID),
			QuoteTime:     q.QuoteTime,
		})
	}
	if rejected > 0 {
		f.metrics.RecordValidationReject("l2", rejected)
		observability.Log().Warn("dropped invalid level two samples",
			observability.F("rejected", rejected),
			observability.F("batch_size", len(batch)))
	}
	if len(rows) == 0 {
		return nil
	}
	return f.l2.InsertLevelTwo(ctx, rows)
}

// FlushCharts upserts a candle batch keyed by (security, timestamp,
// timeframe). Duplicate keys within the batch collapse last-wins before the
// store round trip.
func (f *Flusher) FlushCharts(ctx context.Context, batch []ChartItem) error {
	ids, err := f.resolveBatch(ctx, "chart", len(batch), func(i int) string { return batch[i].Bar.Symbol })
	if err != nil {
		return err
	}
	ordered := make([]marketstore.ChartKey, 0, len(batch))
	byKey := make(map[marketstore.ChartKey]marketstore.ChartRow, len(batch))
	var rejected int64
	for _, item := range batch {
		bar := item.Bar
		id, ok := ids[schema.CanonicalSymbol(bar.Symbol)]
		if !ok {
			continue
		}
		row, ok := chartRow(id, bar, item.ReceivedAt)
		if !ok {
			rejected++
			continue
		}
		key := row.Key()
		if _, seen := byKey[key]; !seen {
			ordered = append(ordered, key)
		}
		byKey[key] = row
	}
	if rejected > 0 {
		f.metrics.RecordValidationReject("chart", rejected)
		observability.Log().Warn("dropped invalid chart candles",
			observability.F("rejected", rejected),
			observability.F("batch_size", len(batch)))
	}
	if len(ordered) == 0 {
		return nil
	}
	rows := make([]marketstore.ChartRow, 0, len(ordered))
	for _, key := range ordered {
		rows = append(rows, byKey[key])
	}
	result, err := f.charts.UpsertCharts(ctx, rows)
	if err != nil {
		return err
	}
	observability.Log().Debug("chart batch upserted",
		observability.F("inserted", result.Inserted),
		observability.F("updated", result.Updated))
	return nil
}

// resolveBatch maps the batch's symbols to security ids, logging and counting
// the unknowns once per flush.
func (f *Flusher) resolveBatch(ctx context.Context, stream string, n int, symbolAt func(int) string) (map[string]uuid.UUID, error) {
	symbols := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		symbol := schema.CanonicalSymbol(symbolAt(i))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	if len(symbols) == 0 {
		return map[string]uuid.UUID{}, nil
	}
	ids, err := f.resolver.ResolveSymbols(ctx, symbols)
	if err != nil {
		return nil, errs.New("ingest", errs.CodeStorage,
			errs.WithMessage("resolve symbols"), errs.WithCause(err))
	}
	if len(ids) < len(symbols) {
		unknown := make([]string, 0, len(symbols)-len(ids))
		for _, symbol := range symbols {
			if _, ok := ids[symbol]; !ok {
				unknown = append(unknown, symbol)
			}
		}
		f.metrics.RecordUnknownSymbol(stream, int64(len(unknown)))
		observability.Log().Warn("dropped samples for unknown symbols",
			observability.F("stream", stream),
			observability.F("symbols", unknown))
	}
	return ids, nil
}

func validLevelTwo(q schema.LevelTwoQuote) (price, size, count int64, ok bool) {
	if q.Side != schema.SideBid && q.Side != schema.SideAsk {
		return 0, 0, 0, false
	}
	if q.PriceLevel == nil || q.Size == nil || q.OrderCount == nil {
		return 0, 0, 0, false
	}
	price, priceOK := numeric.PriceToFixed(*q.PriceLevel)
	size, sizeOK := numeric.QuantityToInt(*q.Size)
	count = *q.OrderCount
	if !priceOK || !sizeOK {
		return 0, 0, 0, false
	}
	if price <= 0 || size <= 0 || count <= 0 || q.LevelIndex < 0 {
		return 0, 0, 0, false
	}
	return price, size, count, true
}

func chartRow(id uuid.UUID, bar schema.ChartBar, receivedAt time.Time) (marketstore.ChartRow, bool) {
	open := fixedPrice(bar.Open)
	high := fixedPrice(bar.High)
	low := fixedPrice(bar.Low)
	closeP := fixedPrice(bar.Close)
	if open == nil || high == nil || low == nil || closeP == nil {
		return marketstore.ChartRow{}, false
	}
	if *open <= 0 || *high <= 0 || *low <= 0 || *closeP <= 0 {
		return marketstore.ChartRow{}, false
	}
	var volume int64
	if bar.Volume != nil {
		if v, ok := numeric.QuantityToInt(*bar.Volume); ok && v > 0 {
			volume = v
		}
	}
	timeframe := bar.Timeframe
	if timeframe == "" {
		timeframe = schema.TimeframeOneMinute
	}
	return marketstore.ChartRow{
		SecurityID:     id,
		Timestamp:      normalizeChartTimestamp(bar.TimestampRaw, receivedAt),
		Timeframe:      string(timeframe),
		OpenPrice:      *open,
		HighPrice:      *high,
		LowPrice:       *low,
		ClosePrice:     *closeP,
		Volume:         volume,
		TradeCount:     fixedCount(bar.TradeCount),
		VWAP:           fixedPrice(bar.VWAP),
		IsRegularHours: true,
	}, true
}

func fixedPrice(v *float64) *int64 {
	if v == nil {
		return nil
	}
	fixed, ok := numeric.PriceToFixed(*v)
	if !ok {
		return nil
	}
	return &fixed
}

func fixedQuantity(v *float64) *int64 {
	if v == nil {
		return nil
	}
	q, ok := numeric.QuantityToInt(*v)
	if !ok {
		return nil
	}
	return &q
}

func fixedCount(v *float64) *int64 {
	return fixedQuantity(v)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
