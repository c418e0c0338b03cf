// Package schema defines the canonical market-data records exchanged between
// the stream decoder, the batchers, and the persistence layer.
package schema

import "strings"

// StreamKind tags the three upstream market-data streams.
type StreamKind int

const (
	// StreamL1 is the Level-1 top-of-book quote stream.
	StreamL1 StreamKind = iota
	// StreamL2 is the Level-2 depth-of-book stream.
	StreamL2
	// StreamChart is the OHLCV chart candle stream.
	StreamChart
)

func (k StreamKind) String() string {
	switch k {
	case StreamL1:
		return "l1"
	case StreamL2:
		return "l2"
	case StreamChart:
		return "chart"
	default:
		return "unknown"
	}
}

// Subscription stream types as persisted in stream_subscriptions rows.
const (
	StreamTypeQuotes = "quotes"
	StreamTypeLevel2 = "level2"
	StreamTypeOHLCV  = "ohlcv"
)

// Side identifies an order book side.
type Side string

const (
	// SideBid is the buy side of the book.
	SideBid Side = "BID"
	// SideAsk is the sell side of the book.
	SideAsk Side = "ASK"
)

// ParseSide maps raw wire values onto a Side; unknown values report ok=false.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BID":
		return SideBid, true
	case "ASK":
		return SideAsk, true
	default:
		return "", false
	}
}

// Book identifies a Level-2 order book source.
type Book string

const (
	// BookNasdaq is the NASDAQ TotalView book.
	BookNasdaq Book = "NASDAQ"
	// BookNyse is the NYSE OpenBook.
	BookNyse Book = "NYSE"
)

// NormalizeBook upper-cases raw and defaults empty or unknown values to NASDAQ.
func NormalizeBook(raw string) Book {
	if strings.EqualFold(strings.TrimSpace(raw), string(BookNyse)) {
		return BookNyse
	}
	return BookNasdaq
}

// Timeframe names a fixed candle interval.
type Timeframe string

// Supported candle timeframes.
const (
	TimeframeOneMinute     Timeframe = "1m"
	TimeframeFiveMinute    Timeframe = "5m"
	TimeframeFifteenMinute Timeframe = "15m"
	TimeframeThirtyMinute  Timeframe = "30m"
	TimeframeOneHour       Timeframe = "1h"
	TimeframeFourHour      Timeframe = "4h"
	TimeframeOneDay        Timeframe = "1d"
)

// ParseTimeframe maps a raw wire value onto a Timeframe, collapsing unknown
// values to one minute.
func ParseTimeframe(raw string) Timeframe {
	switch Timeframe(strings.ToLower(strings.TrimSpace(raw))) {
	case TimeframeOneMinute, TimeframeFiveMinute, TimeframeFifteenMinute,
		TimeframeThirtyMinute, TimeframeOneHour, TimeframeFourHour, TimeframeOneDay:
		return Timeframe(strings.ToLower(strings.TrimSpace(raw)))
	default:
		return TimeframeOneMinute
	}
}

// SecurityStatus mirrors the upstream trading-status values carried on L1.
type SecurityStatus string

// Known security statuses.
const (
	StatusNormal    SecurityStatus = "Normal"
	StatusHalted    SecurityStatus = "Halted"
	StatusClosed    SecurityStatus = "Closed"
	StatusSuspended SecurityStatus = "Suspended"
)

// CanonicalSymbol upper-cases and trims a wire symbol.
func CanonicalSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// LevelOneQuote is a decoded Level-1 sample before fixed-point conversion.
// Nil pointers mean the field was absent or failed numeric conversion.
type LevelOneQuote struct {
	Symbol           string
	BidPrice         *float64
	BidSize          *float64
	BidMIC           string
	AskPrice         *float64
	AskSize          *float64
	AskMIC           string
	LastPrice        *float64
	LastSize         *float64
	LastMIC          string
	MarkPrice        *float64
	DailyHigh        *float64
	DailyLow         *float64
	DailyOpen        *float64
	PrevClose        *float64
	DailyVolume      *float64
	NetChange        *float64
	NetChangePercent *float64
	SecurityStatus   string
	QuoteTime        *int64
	TradeTime        *int64
	IsRealtime       bool
}

// LevelTwoQuote is a decoded Level-2 sample before validation.
type LevelTwoQuote struct {
	Symbol        string
	Side          Side
	PriceLevel    *float64
	Size          *float64
	OrderCount    *int64
	LevelIndex    int64
	MarketMakerID string
	MicID         string
	QuoteTime     *int64
}

// ChartBar is a decoded OHLCV candle before timestamp normalization.
type ChartBar struct {
	Symbol       string
	Open         *float64
	High         *float64
	Low          *float64
	Close        *float64
	Volume       *float64
	TradeCount   *float64
	VWAP         *float64
	TimestampRaw any
	Timeframe    Timeframe
}
