package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/axiomtrade/axiom/config"
	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/domain/marketstore"
	"github.com/axiomtrade/axiom/internal/ingest"
	"github.com/axiomtrade/axiom/internal/observability"
	"github.com/axiomtrade/axiom/internal/schema"
	"github.com/axiomtrade/axiom/internal/schwab"
)

type subsCall struct {
	method  string
	symbols []string
}

// fakeStreamer is a scriptable session: frames pushed into frames are
// returned by HandleMessage, and Close unblocks the pump with a closed error.
type fakeStreamer struct {
	mu     sync.Mutex
	calls  []subsCall
	frames chan schema.Frame
	closed chan struct{}
	once   sync.Once

	loggedOut atomic.Bool
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		frames: make(chan schema.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStreamer) record(method string, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subsCall{method: method, symbols: symbols})
	return nil
}

func (f *fakeStreamer) callsFor(method string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c.symbols)
		}
	}
	return out
}

func (f *fakeStreamer) Login(context.Context) error  { return nil }
func (f *fakeStreamer) Logout(context.Context) error { f.loggedOut.Store(true); return nil }

func (f *fakeStreamer) LevelOneEquitySubs(_ context.Context, s []string) error {
	return f.record("l1.subs", s)
}
func (f *fakeStreamer) LevelOneEquityAdd(_ context.Context, s []string) error {
	return f.record("l1.add", s)
}
func (f *fakeStreamer) LevelOneEquityUnsubs(_ context.Context, s []string) error {
	return f.record("l1.unsubs", s)
}
func (f *fakeStreamer) NasdaqBookSubs(_ context.Context, s []string) error {
	return f.record("nasdaq.subs", s)
}
func (f *fakeStreamer) NasdaqBookAdd(_ context.Context, s []string) error {
	return f.record("nasdaq.add", s)
}
func (f *fakeStreamer) NasdaqBookUnsubs(_ context.Context, s []string) error {
	return f.record("nasdaq.unsubs", s)
}
func (f *fakeStreamer) NyseBookSubs(_ context.Context, s []string) error {
	return f.record("nyse.subs", s)
}
func (f *fakeStreamer) NyseBookAdd(_ context.Context, s []string) error {
	return f.record("nyse.add", s)
}
func (f *fakeStreamer) NyseBookUnsubs(_ context.Context, s []string) error {
	return f.record("nyse.unsubs", s)
}
func (f *fakeStreamer) ChartEquitySubs(_ context.Context, s []string) error {
	return f.record("chart.subs", s)
}
func (f *fakeStreamer) ChartEquityAdd(_ context.Context, s []string) error {
	return f.record("chart.add", s)
}
func (f *fakeStreamer) ChartEquityUnsubs(_ context.Context, s []string) error {
	return f.record("chart.unsubs", s)
}

func (f *fakeStreamer) HandleMessage(ctx context.Context) (schema.Frame, error) {
	select {
	case frame := <-f.frames:
		return frame, nil
	case <-f.closed:
		return schema.Frame{}, errs.New("schwab", errs.CodeNetwork,
			errs.WithMessage("read"), errs.WithCause(errs.ErrConnectionClosed))
	case <-ctx.Done():
		return schema.Frame{}, ctx.Err()
	}
}

func (f *fakeStreamer) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeMarket struct {
	mu    sync.Mutex
	known map[string]uuid.UUID
	l1    []marketstore.LevelOneRow
	l2    []marketstore.LevelTwoRow
	bars  []marketstore.ChartRow
}

func newFakeMarket(symbols ...string) *fakeMarket {
	known := make(map[string]uuid.UUID, len(symbols))
	for _, s := range symbols {
		known[s] = uuid.New()
	}
	return &fakeMarket{known: known}
}

func (f *fakeMarket) ResolveSymbols(_ context.Context, symbols []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID)
	for _, s := range symbols {
		if id, ok := f.known[s]; ok {
			out[s] = id
		}
	}
	return out, nil
}

func (f *fakeMarket) InsertLevelOne(_ context.Context, rows []marketstore.LevelOneRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l1 = append(f.l1, rows...)
	return nil
}

func (f *fakeMarket) InsertLevelTwo(_ context.Context, rows []marketstore.LevelTwoRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l2 = append(f.l2, rows...)
	return nil
}

func (f *fakeMarket) UpsertCharts(_ context.Context, rows []marketstore.ChartRow) (marketstore.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, rows...)
	return marketstore.UpsertResult{Inserted: len(rows)}, nil
}

func (f *fakeMarket) l1Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.l1)
}

func (f *fakeMarket) firstL1Bid() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.l1) == 0 || f.l1[0].BidPrice == nil {
		return 0
	}
	return *f.l1[0].BidPrice
}

func testStreamSettings() config.StreamSettings {
	return config.StreamSettings{
		PollInterval:       10 * time.Millisecond,
		WatchdogInterval:   time.Hour,
		StaleAfter:         time.Hour,
		FullResubscribe:    true,
		L1BatchSize:        1,
		L1FlushInterval:    10 * time.Millisecond,
		L2BatchSize:        1,
		L2FlushInterval:    10 * time.Millisecond,
		ChartBatchSize:     1,
		ChartFlushInterval: 10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, connect Connector, market *fakeMarket) *Supervisor {
	t.Helper()
	flusher, err := ingest.NewFlusher(market, market, market, market, observability.NewRuntimeMetrics())
	require.NoError(t, err)
	s, err := NewSupervisor(connect, flusher, testStreamSettings(), observability.NewRuntimeMetrics())
	require.NoError(t, err)
	s.baseBackoff = time.Millisecond
	s.weekendStep = time.Millisecond
	return s
}

func levelOneFrame(t *testing.T, symbol string, bid float64) schema.Frame {
	t.Helper()
	content, err := json.Marshal(map[string]any{"key": symbol, "BID_PRICE": bid})
	require.NoError(t, err)
	return schema.Frame{
		Service: schema.ServiceLevelOneEquity,
		Command: "SUBS",
		Content: []json.RawMessage{content},
	}
}

func TestSupervisorSubscribesAndPersistsFrames(t *testing.T) {
	streamer := newFakeStreamer()
	market := newFakeMarket("AAPL")
	s := newTestSupervisor(t, func(context.Context) (schwab.Streamer, error) {
		return streamer, nil
	}, market)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Apply(ctx, DesiredSet{Quotes: []string{"AAPL"}}, true))

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(streamer.callsFor("l1.subs")) > 0
	}, 2*time.Second, 5*time.Millisecond, "SUBS must be sent on connect")
	require.Equal(t, [][]string{{"AAPL"}}, streamer.callsFor("l1.subs"))
	require.Empty(t, streamer.callsFor("nasdaq.subs"), "empty sets get no SUBS on connect")
	require.Empty(t, streamer.callsFor("nyse.subs"))
	require.Empty(t, streamer.callsFor("chart.subs"))

	streamer.frames <- levelOneFrame(t, "AAPL", 100.12)
	require.Eventually(t, func() bool { return market.l1Count() == 1 },
		2*time.Second, 5*time.Millisecond, "frame must reach the store")
	require.Equal(t, int64(1001200), market.firstL1Bid())

	require.Equal(t, StateRunning, s.State())
	stats := s.Stats()
	require.Equal(t, uint64(1), stats.TotalMessages)
	require.Equal(t, "running", stats.State)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, <-runDone)
	require.True(t, streamer.loggedOut.Load(), "stop must log out")
	require.Equal(t, StateStopped, s.State())
}

func TestSupervisorReissuesDesiredAfterReconnect(t *testing.T) {
	market := newFakeMarket("AAPL")

	var mu sync.Mutex
	var sessions []*fakeStreamer
	connect := func(context.Context) (schwab.Streamer, error) {
		mu.Lock()
		defer mu.Unlock()
		st := newFakeStreamer()
		sessions = append(sessions, st)
		return st, nil
	}
	s := newTestSupervisor(t, connect, market)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Apply(ctx, DesiredSet{Quotes: []string{"AAPL"}, Charts: []string{"AAPL"}}, true))

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessions) == 1 && len(sessions[0].callsFor("l1.subs")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Kill the first session; the supervisor must dial again and re-subscribe
	// from the desired map.
	mu.Lock()
	first := sessions[0]
	mu.Unlock()
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(sessions) < 2 {
			return false
		}
		second := sessions[1]
		return len(second.callsFor("l1.subs")) == 1 && len(second.callsFor("chart.subs")) == 1
	}, 2*time.Second, 5*time.Millisecond, "reconnect must replay the desired set")

	require.NoError(t, s.Stop(context.Background()))
	<-runDone
}

func TestSupervisorFullApplyClearsDrainedSet(t *testing.T) {
	streamer := newFakeStreamer()
	market := newFakeMarket("AAPL")
	s := newTestSupervisor(t, func(context.Context) (schwab.Streamer, error) {
		return streamer, nil
	}, market)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Apply(ctx, DesiredSet{Quotes: []string{"AAPL"}, Charts: []string{"AAPL"}}, true))

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		return len(streamer.callsFor("chart.subs")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Charts drained: the full re-apply must clear the set upstream with an
	// empty SUBS, while the never-subscribed books stay untouched.
	require.NoError(t, s.Apply(ctx, DesiredSet{Quotes: []string{"AAPL"}}, true))

	chartCalls := streamer.callsFor("chart.subs")
	require.Len(t, chartCalls, 2)
	require.Empty(t, chartCalls[1], "drained set must be cleared with an empty SUBS")
	require.Empty(t, streamer.callsFor("nasdaq.subs"))
	require.Empty(t, streamer.callsFor("nyse.subs"))

	require.NoError(t, s.Stop(context.Background()))
	<-runDone
}

func TestSupervisorIncrementalApplySendsDeltas(t *testing.T) {
	streamer := newFakeStreamer()
	market := newFakeMarket("AAPL", "MSFT")
	s := newTestSupervisor(t, func(context.Context) (schwab.Streamer, error) {
		return streamer, nil
	}, market)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Apply(ctx, DesiredSet{Quotes: []string{"AAPL"}}, true))

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		return len(streamer.callsFor("l1.subs")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Apply(ctx, DesiredSet{Quotes: []string{"MSFT"}}, false))

	require.Equal(t, [][]string{{"MSFT"}}, streamer.callsFor("l1.add"))
	require.Equal(t, [][]string{{"AAPL"}}, streamer.callsFor("l1.unsubs"))
	require.Len(t, streamer.callsFor("l1.subs"), 1, "incremental apply must not resend SUBS")

	require.NoError(t, s.Stop(context.Background()))
	<-runDone
}

func TestSupervisorGivesUpAfterConnectFailures(t *testing.T) {
	market := newFakeMarket()
	var attempts atomic.Int32
	connect := func(context.Context) (schwab.Streamer, error) {
		attempts.Add(1)
		return nil, errs.New("schwab", errs.CodeNetwork, errs.WithMessage("dial refused"))
	}
	s := newTestSupervisor(t, connect, market)
	s.maxErrors = 3
	// Pin a weekday so the cap applies.
	s.now = func() time.Time { return time.Date(2026, time.March, 4, 15, 0, 0, 0, time.UTC) }

	err := s.Run(context.Background())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	require.Equal(t, int32(3), attempts.Load())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSupervisorWeekendIgnoresCaps(t *testing.T) {
	market := newFakeMarket()
	var attempts atomic.Int32
	connect := func(context.Context) (schwab.Streamer, error) {
		attempts.Add(1)
		return nil, errs.New("schwab", errs.CodeNetwork, errs.WithMessage("dial refused"))
	}
	s := newTestSupervisor(t, connect, market)
	s.maxErrors = 2
	// Saturday: the weekday caps must not apply, retries continue.
	s.now = func() time.Time { return time.Date(2026, time.March, 7, 15, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// With maxErrors=2 a weekday run would stop after two attempts; on a
	// weekend it keeps going.
	require.Eventually(t, func() bool { return attempts.Load() >= 4 },
		2*time.Second, 5*time.Millisecond)
	select {
	case err := <-runDone:
		t.Fatalf("run must keep retrying on the weekend, exited with %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, s.Stop(context.Background()))
	<-runDone
}

func TestWatchdogForcesReconnectWhenStale(t *testing.T) {
	streamer := newFakeStreamer()
	market := newFakeMarket()
	s := newTestSupervisor(t, func(context.Context) (schwab.Streamer, error) {
		return streamer, nil
	}, market)
	s.cfg.WatchdogInterval = 5 * time.Millisecond
	s.cfg.StaleAfter = time.Millisecond

	// Wednesday, ten minutes after the last message.
	now := time.Date(2026, time.August, 26, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.lastMessageNano.Store(now.Add(-10 * time.Minute).UnixNano())

	go s.watchdog(context.Background(), streamer)
	require.Eventually(t, func() bool {
		select {
		case <-streamer.closed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond, "stale weekday session must be closed")
}

func TestWatchdogWeekendStalenessWarnsOnly(t *testing.T) {
	streamer := newFakeStreamer()
	market := newFakeMarket()
	s := newTestSupervisor(t, func(context.Context) (schwab.Streamer, error) {
		return streamer, nil
	}, market)
	s.cfg.WatchdogInterval = 5 * time.Millisecond
	s.cfg.StaleAfter = time.Millisecond

	// Saturday: a silent feed is expected, the session must stay up.
	now := time.Date(2026, time.August, 29, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.lastMessageNano.Store(now.Add(-10 * time.Minute).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	watchdogDone := make(chan struct{})
	go func() { s.watchdog(ctx, streamer); close(watchdogDone) }()
	<-watchdogDone

	select {
	case <-streamer.closed:
		t.Fatalf("weekend staleness must not close the session")
	default:
	}
}

func TestDiffSymbols(t *testing.T) {
	added := diffSymbols([]string{"AAPL", "MSFT"}, []string{"aapl", "TSLA"})
	require.Equal(t, []string{"TSLA"}, added)

	gone := diffSymbols([]string{"TSLA"}, []string{"AAPL", "MSFT"})
	require.Equal(t, []string{"AAPL", "MSFT"}, gone)

	require.Nil(t, diffSymbols([]string{"AAPL"}, []string{"AAPL"}))
}

func TestIsWeekend(t *testing.T) {
	require.True(t, isWeekend(time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)))
	require.True(t, isWeekend(time.Date(2026, time.March, 8, 12, 0, 0, 0, time.UTC)))
	require.False(t, isWeekend(time.Date(2026, time.March, 6, 12, 0, 0, 0, time.UTC)))
}
