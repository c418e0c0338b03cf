// Package stream hosts the streaming supervisor, the subscription differ,
// and the frame decoder that feed the ingestion batchers.
package stream

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/schema"
)

// record is one raw content entry. Upstream has shipped both legacy
// UPPER_CASE and camelCase keys, so every lookup tolerates both.
type record map[string]any

func decodeRecord(raw json.RawMessage) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errs.New("stream", errs.CodeDecode,
			errs.WithMessage("decode content record"), errs.WithCause(err))
	}
	return rec, nil
}

// str returns the first present key as a trimmed string.
func (r record) str(keys ...string) string {
	for _, key := range keys {
		if v, ok := r[key]; ok {
			switch s := v.(type) {
			case string:
				return strings.TrimSpace(s)
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

// float returns the first present key as a float; non-numeric values map to
// nil rather than an error.
func (r record) float(keys ...string) *float64 {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			out := n
			return &out
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return &f
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return &f
			}
		}
		return nil
	}
	return nil
}

// integer is float truncated toward zero.
func (r record) integer(keys ...string) *int64 {
	f := r.float(keys...)
	if f == nil {
		return nil
	}
	out := int64(*f)
	return &out
}

func (r record) boolean(keys ...string) bool {
	for _, key := range keys {
		if v, ok := r[key]; ok {
			switch b := v.(type) {
			case bool:
				return b
			case float64:
				return b != 0
			case string:
				return strings.EqualFold(strings.TrimSpace(b), "true")
			}
		}
	}
	return false
}

// raw returns the first present key untyped.
func (r record) raw(keys ...string) any {
	for _, key := range keys {
		if v, ok := r[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// DecodeLevelOne normalizes one LEVELONE_EQUITIES content record.
func DecodeLevelOne(raw json.RawMessage) (schema.LevelOneQuote, error) {
	rec, err := decodeRecord(raw)
	if err != nil {
		return schema.LevelOneQuote{}, err
	}
	symbol := schema.CanonicalSymbol(rec.str("key", "KEY", "symbol", "SYMBOL"))
	if symbol == "" {
		return schema.LevelOneQuote{}, errs.New("stream", errs.CodeDecode,
			errs.WithMessage("level one record has no symbol key"))
	}
	return schema.LevelOneQuote{
		Symbol:           symbol,
		BidPrice:         rec.float("BID_PRICE", "bidPrice"),
		BidSize:          rec.float("BID_SIZE", "bidSize"),
		BidMIC:           rec.str("BID_MIC", "bidMIC", "bidMicId"),
		AskPrice:         rec.float("ASK_PRICE", "askPrice"),
		AskSize:          rec.float("ASK_SIZE", "askSize"),
		AskMIC:           rec.str("ASK_MIC", "askMIC", "askMicId"),
		LastPrice:        rec.float("LAST_PRICE", "lastPrice"),
		LastSize:         rec.float("LAST_SIZE", "lastSize"),
		LastMIC:          rec.str("LAST_MIC", "lastMIC", "lastMicId"),
		MarkPrice:        rec.float("MARK", "MARK_PRICE", "markPrice"),
		DailyHigh:        rec.float("HIGH_PRICE", "highPrice"),
		DailyLow:         rec.float("LOW_PRICE", "lowPrice"),
		DailyOpen:        rec.float("OPEN_PRICE", "openPrice"),
		PrevClose:        rec.float("CLOSE_PRICE", "closePrice"),
		DailyVolume:      rec.float("TOTAL_VOLUME", "totalVolume"),
		NetChange:        rec.float("NET_CHANGE", "netChange"),
		NetChangePercent: rec.float("NET_CHANGE_PERCENT", "netPercentChange", "netChangePercent"),
		SecurityStatus:   rec.str("SECURITY_STATUS", "securityStatus"),
		QuoteTime:        rec.integer("QUOTE_TIME_MILLIS", "QUOTE_TIME", "quoteTimeInLong", "quoteTime"),
		TradeTime:        rec.integer("TRADE_TIME_MILLIS", "TRADE_TIME", "tradeTimeInLong", "tradeTime"),
		IsRealtime:       decodeRealtime(rec),
	}, nil
}

// decodeRealtime prefers the explicit realtime flag; older payloads only
// carry a "delayed" marker.
func decodeRealtime(rec record) bool {
	if _, ok := rec["IS_REALTIME"]; ok {
		return rec.boolean("IS_REALTIME")
	}
	if _, ok := rec["isRealtime"]; ok {
		return rec.boolean("isRealtime")
	}
	if _, ok := rec["delayed"]; ok {
		return !rec.boolean("delayed")
	}
	return false
}

// DecodeLevelTwo flattens one book content record into per-level samples.
// Book records carry BIDS and ASKS arrays; the level index is the position
// within its side.
func DecodeLevelTwo(raw json.RawMessage) ([]schema.LevelTwoQuote, error) {
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	symbol := schema.CanonicalSymbol(rec.str("key", "KEY", "symbol", "SYMBOL"))
	if symbol == "" {
		return nil, errs.New("stream", errs.CodeDecode,
			errs.WithMessage("book record has no symbol key"))
	}
	bookTime := rec.integer("BOOK_TIME", "bookTime")

	var out []schema.LevelTwoQuote
	out = append(out, decodeBookSide(rec, symbol, schema.SideBid, bookTime, "BIDS", "bids")...)
	out = append(out, decodeBookSide(rec, symbol, schema.SideAsk, bookTime, "ASKS", "asks")...)
	return out, nil
}

func decodeBookSide(rec record, symbol string, side schema.Side, bookTime *int64, keys ...string) []schema.LevelTwoQuote {
	levelsRaw := rec.raw(keys...)
	levels, ok := levelsRaw.([]any)
	if !ok {
		return nil
	}
	out := make([]schema.LevelTwoQuote, 0, len(levels))
	for i, levelRaw := range levels {
		m, ok := levelRaw.(map[string]any)
		if !ok {
			continue
		}
		level := record(m)
		quote := schema.LevelTwoQuote{
			Symbol:        symbol,
			Side:          side,
			PriceLevel:    level.float("BID_PRICE", "ASK_PRICE", "PRICE", "price"),
			Size:          level.float("TOTAL_VOLUME", "BID_VOLUME", "ASK_VOLUME", "totalVolume", "volume", "size"),
			OrderCount:    level.integer("NUM_BIDS", "NUM_ASKS", "numBids", "numAsks", "count"),
			LevelIndex:    int64(i),
			MarketMakerID: level.str("MARKET_MAKER_ID", "marketMakerId"),
			MicID:         level.str("MIC_ID", "micId"),
			QuoteTime:     bookTime,
		}
		if quote.QuoteTime == nil {
			quote.QuoteTime = level.integer("QUOTE_TIME", "quoteTime")
		}
		out = append(out, quote)
	}
	return out
}

// DecodeChart normalizes one CHART_EQUITY content record.
func DecodeChart(raw json.RawMessage) (schema.ChartBar, error) {
	rec, err := decodeRecord(raw)
	if err != nil {
		return schema.ChartBar{}, err
	}
	symbol := schema.CanonicalSymbol(rec.str("key", "KEY", "symbol", "SYMBOL"))
	if symbol == "" {
		return schema.ChartBar{}, errs.New("stream", errs.CodeDecode,
			errs.WithMessage("chart record has no symbol key"))
	}
	return schema.ChartBar{
		Symbol:       symbol,
		Open:         rec.float("OPEN_PRICE", "openPrice", "open"),
		High:         rec.float("HIGH_PRICE", "highPrice", "high"),
		Low:          rec.float("LOW_PRICE", "lowPrice", "low"),
		Close:        rec.float("CLOSE_PRICE", "closePrice", "close"),
		Volume:       rec.float("VOLUME", "volume"),
		TradeCount:   rec.float("TRADE_COUNT", "tradeCount"),
		VWAP:         rec.float("VWAP", "vwap"),
		TimestampRaw: rec.raw("CHART_TIME_MILLIS", "CHART_TIME", "chartTime", "time", "timestamp", "datetime"),
		Timeframe:    schema.ParseTimeframe(rec.str("TIMEFRAME", "timeframe")),
	}, nil
}
