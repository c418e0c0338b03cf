package schema

import "testing"

func TestParseSide(t *testing.T) {
	cases := []struct {
		raw  string
		want Side
		ok   bool
	}{
		{"BID", SideBid, true},
		{" bid ", SideBid, true},
		{"Ask", SideAsk, true},
		{"BUY", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseSide(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseSide(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeBookDefaultsToNasdaq(t *testing.T) {
	if got := NormalizeBook("nyse"); got != BookNyse {
		t.Fatalf("NormalizeBook(nyse) = %q", got)
	}
	if got := NormalizeBook(""); got != BookNasdaq {
		t.Fatalf("empty book must default to NASDAQ, got %q", got)
	}
	if got := NormalizeBook("amex"); got != BookNasdaq {
		t.Fatalf("unknown book must default to NASDAQ, got %q", got)
	}
}

func TestParseTimeframe(t *testing.T) {
	if got := ParseTimeframe(" 5M "); got != TimeframeFiveMinute {
		t.Fatalf("ParseTimeframe(5M) = %q", got)
	}
	if got := ParseTimeframe("2h"); got != TimeframeOneMinute {
		t.Fatalf("unknown timeframe must collapse to 1m, got %q", got)
	}
	if got := ParseTimeframe(""); got != TimeframeOneMinute {
		t.Fatalf("empty timeframe must collapse to 1m, got %q", got)
	}
}

func TestCanonicalSymbol(t *testing.T) {
	if got := CanonicalSymbol("  aapl "); got != "AAPL" {
		t.Fatalf("CanonicalSymbol = %q", got)
	}
}

func TestFrameKind(t *testing.T) {
	cases := []struct {
		service string
		want    StreamKind
		ok      bool
	}{
		{ServiceLevelOneEquity, StreamL1, true},
		{ServiceNasdaqBook, StreamL2, true},
		{ServiceNyseBook, StreamL2, true},
		{ServiceChartEquity, StreamChart, true},
		{ServiceAdmin, 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := Frame{Service: tc.service}.Kind()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("Kind(%q) = %v, %v; want %v, %v", tc.service, got, ok, tc.want, tc.ok)
		}
	}
}

func TestDecodeFramesDataWrapper(t *testing.T) {
	payload := []byte(`{"data":[
		{"service":"LEVELONE_EQUITIES","command":"SUBS","timestamp":1,"content":[{"key":"AAPL"}]},
		{"service":"CHART_EQUITY","command":"SUBS","timestamp":2,"content":[]}
	]}`)
	frames, err := DecodeFrames(payload)
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Service != ServiceLevelOneEquity || len(frames[0].Content) != 1 {
		t.Fatalf("first frame = %+v", frames[0])
	}
}

func TestDecodeFramesBareEnvelope(t *testing.T) {
	frames, err := DecodeFrames([]byte(`{"service":"NASDAQ_BOOK","command":"SUBS","content":[]}`))
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	if len(frames) != 1 || frames[0].Service != ServiceNasdaqBook {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestDecodeFramesResponseYieldsNoData(t *testing.T) {
	frames, err := DecodeFrames([]byte(`{"response":[{"service":"ADMIN","command":"LOGIN"}]}`))
	if err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("response payload must yield no data frames, got %d", len(frames))
	}
}

func TestDecodeFramesGarbage(t *testing.T) {
	if _, err := DecodeFrames([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
