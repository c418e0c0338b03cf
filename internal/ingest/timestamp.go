package ingest

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Epoch values above this threshold are milliseconds; below, seconds.
// 1e11 seconds is year 5138, 1e11 milliseconds is 1973.
const millisThreshold = 1e11

// normalizeChartTimestamp interprets the wire timestamp of a candle: numeric
// epoch (seconds or milliseconds by magnitude), ISO-8601 text, or a numeric
// string. Anything unparseable falls back to the receive time.
func normalizeChartTimestamp(raw any, receivedAt time.Time) time.Time {
	switch v := raw.(type) {
	case nil:
		return receivedAt.UTC()
	case float64:
		if t, ok := epochToTime(v); ok {
			return t
		}
	case int64:
		if t, ok := epochToTime(float64(v)); ok {
			return t
		}
	case int:
		if t, ok := epochToTime(float64(v)); ok {
			return t
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			if t, ok := epochToTime(f); ok {
				return t
			}
		}
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return receivedAt.UTC()
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if t, ok := epochToTime(f); ok {
				return t
			}
			return receivedAt.UTC()
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return receivedAt.UTC()
}

// epochToTime interprets a positive numeric epoch; non-positive values are
// unparseable rather than the epoch start.
func epochToTime(v float64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	if v > millisThreshold {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), true
}
