package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/axiomtrade/axiom/config"
	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/beque"
	"github.com/axiomtrade/axiom/internal/ingest"
	"github.com/axiomtrade/axiom/internal/observability"
	"github.com/axiomtrade/axiom/internal/schema"
	"github.com/axiomtrade/axiom/internal/schwab"
	"github.com/axiomtrade/axiom/lib/async"
)

// State names the supervisor's lifecycle phase.
type State int32

// Supervisor lifecycle states.
const (
	StateDisconnected State = iota
	StateLoggingIn
	StateSubscribing
	StateRunning
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLoggingIn:
		return "logging_in"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reconnect policy bounds.
const (
	maxConsecutiveErrors = 10
	maxCloseRetries      = 5

	backoffInitial = 100 * time.Millisecond
	backoffMax     = 30 * time.Second

	weekendBackoffStep = 5 * time.Second
	weekendBackoffMax  = 30 * time.Second
)

// Connector produces a logged-in streamer session. It owns authentication,
// user-preference lookup, dialing, and the LOGIN handshake.
type Connector func(ctx context.Context) (schwab.Streamer, error)

// DesiredSet is the target subscription state per upstream service.
type DesiredSet struct {
	Quotes     []string
	NasdaqBook []string
	NyseBook   []string
	Charts     []string
}

// Supervisor owns the streaming session: connect/login, subscription state,
// the read pump, reconnect policy, and the three persistence batchers.
type Supervisor struct {
	connect Connector
	flusher *ingest.Flusher
	cfg     config.StreamSettings
	metrics *observability.RuntimeMetrics

	l1     *beque.Beque[ingest.LevelOneItem]
	l2     *beque.Beque[ingest.LevelTwoItem]
	charts *beque.Beque[ingest.ChartItem]
	pool   *async.Pool

	mu      sync.Mutex
	session schwab.Streamer
	desired DesiredSet

	state           atomic.Int32
	totalMessages   atomic.Uint64
	lastMessageNano atomic.Int64
	reconnects      atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// Reconnect policy, defaulted from the package constants.
	maxErrors   int
	maxCloses   int
	baseBackoff time.Duration
	weekendStep time.Duration

	now func() time.Time
}

// NewSupervisor builds the supervisor and its batchers. Run starts the
// connection lifecycle; Stop drains everything.
func NewSupervisor(connect Connector, flusher *ingest.Flusher, cfg config.StreamSettings, metrics *observability.RuntimeMetrics) (*Supervisor, error) {
	if connect == nil {
		return nil, errs.New("stream", errs.CodeConfig, errs.WithMessage("connector required"))
	}
	if flusher == nil {
		return nil, errs.New("stream", errs.CodeConfig, errs.WithMessage("flusher required"))
	}
	if metrics == nil {
		metrics = observability.NewRuntimeMetrics()
	}
	s := &Supervisor{
		connect: connect,
		flusher: flusher,
		cfg:     cfg,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),

		maxErrors:   maxConsecutiveErrors,
		maxCloses:   maxCloseRetries,
		baseBackoff: backoffInitial,
		weekendStep: weekendBackoffStep,

		now: time.Now,
	}

	var err error
	s.l1, err = beque.New(beque.Config[ingest.LevelOneItem]{
		Name: "l1", MaxBatchSize: cfg.L1BatchSize, FlushInterval: cfg.L1FlushInterval,
		OnFlush: flusher.FlushLevelOne,
	})
	if err != nil {
		return nil, err
	}
	s.l2, err = beque.New(beque.Config[ingest.LevelTwoItem]{
		Name: "l2", MaxBatchSize: cfg.L2BatchSize, FlushInterval: cfg.L2FlushInterval,
		OnFlush: flusher.FlushLevelTwo,
	})
	if err != nil {
		return nil, err
	}
	s.charts, err = beque.New(beque.Config[ingest.ChartItem]{
		Name: "chart", MaxBatchSize: cfg.ChartBatchSize, FlushInterval: cfg.ChartFlushInterval,
		OnFlush: flusher.FlushCharts,
	})
	if err != nil {
		return nil, err
	}
	// One worker keeps per-stream ordering; the queue decouples the read loop
	// from batcher backpressure.
	s.pool, err = async.NewPool(1, 256)
	if err != nil {
		return nil, err
	}
	s.lastMessageNano.Store(time.Now().UnixNano())
	return s, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old != state {
		observability.Log().Info("stream state changed",
			observability.F("from", old.String()),
			observability.F("to", state.String()))
	}
}

// Run drives the connect/pump/reconnect loop until Stop is called, the
// context ends, or the weekday failure caps are exceeded.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.setState(StateStopped)

	consecutiveErrors := 0
	closeEvents := 0
	attempt := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.baseBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = backoffMax

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		msgsBefore := s.totalMessages.Load()
		err := s.runSession(ctx)
		if err == nil {
			// Clean shutdown path.
			return nil
		}
		if s.totalMessages.Load() > msgsBefore {
			// The session was healthy before it died; start counting fresh.
			consecutiveErrors = 0
			closeEvents = 0
			attempt = 0
			policy.Reset()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		isClose := errs.IsConnectionClosed(err)
		weekend := isWeekend(s.now())
		if isClose {
			closeEvents++
			consecutiveErrors = 0
		} else {
			consecutiveErrors++
		}
		s.reconnects.Add(1)
		observability.Log().Warn("stream session ended",
			observability.F("error", err),
			observability.F("close_event", isClose),
			observability.F("consecutive_errors", consecutiveErrors),
			observability.F("close_events", closeEvents))

		if !weekend {
			if consecutiveErrors >= s.maxErrors {
				return errs.New("stream", errs.CodeUnavailable,
					errs.WithMessage("too many consecutive stream errors"), errs.WithCause(err))
			}
			if closeEvents >= s.maxCloses {
				return errs.New("stream", errs.CodeUnavailable,
					errs.WithMessage("too many stream close events"), errs.WithCause(err))
			}
		}

		s.setState(StateReconnecting)
		attempt++
		var delay time.Duration
		if weekend {
			// Markets are closed; retry lazily and without caps.
			delay = time.Duration(attempt) * s.weekendStep
			if delay > weekendBackoffMax {
				delay = weekendBackoffMax
			}
			policy.Reset()
		} else {
			delay = policy.NextBackOff()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		}
	}
}

// runSession performs one connect/subscribe/pump cycle. It returns nil only
// on a deliberate stop.
func (s *Supervisor) runSession(ctx context.Context) error {
	s.setState(StateLoggingIn)
	session, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.session = session
	desired := s.desired
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		_ = session.Close()
	}()

	s.setState(StateSubscribing)
	if err := s.subscribeAll(ctx, session, desired); err != nil {
		return err
	}

	s.setState(StateRunning)
	s.lastMessageNano.Store(s.now().UnixNano())

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go s.watchdog(watchdogCtx, session)

	for {
		select {
		case <-s.stopCh:
			return s.logoutAndClose(session)
		case <-ctx.Done():
			return s.logoutAndClose(session)
		default:
		}
		frame, err := session.HandleMessage(ctx)
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		s.dispatch(ctx, frame)
	}
}

// watchdog forces a reconnect by closing the session when no message has
// arrived within the stale threshold. Outside the trading window a silent
// feed is expected, so staleness is only logged.
func (s *Supervisor) watchdog(ctx context.Context, session schwab.Streamer) {
	interval := s.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	stale := s.cfg.StaleAfter
	if stale <= 0 {
		stale = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastMessageNano.Load())
			since := s.now().Sub(last)
			if since <= stale {
				continue
			}
			if isWeekend(s.now()) {
				observability.Log().Warn("stream quiet outside trading window",
					observability.F("seconds_since_message", since.Seconds()))
				continue
			}
			observability.Log().Warn("stream stale, forcing reconnect",
				observability.F("seconds_since_message", since.Seconds()))
			_ = session.Close()
			return
		}
	}
}

// dispatch hands the frame to the decode worker; the read loop never blocks
// on batcher backpressure directly.
func (s *Supervisor) dispatch(ctx context.Context, frame schema.Frame) {
	kind, ok := frame.Kind()
	if !ok {
		return
	}
	s.totalMessages.Add(1)
	s.lastMessageNano.Store(s.now().UnixNano())
	s.metrics.RecordMessage(kind.String())

	receivedAt := s.now()
	if err := s.pool.SubmitWait(ctx, func(taskCtx context.Context) error {
		return s.decodeAndEnqueue(taskCtx, frame, kind, receivedAt)
	}); err != nil {
		observability.Log().Warn("dropped frame, decode pool unavailable",
			observability.F("service", frame.Service),
			observability.F("error", err))
	}
}

func (s *Supervisor) decodeAndEnqueue(ctx context.Context, frame schema.Frame, kind schema.StreamKind, receivedAt time.Time) error {
	for _, raw := range frame.Content {
		switch kind {
		case schema.StreamL1:
			quote, err := DecodeLevelOne(raw)
			if err != nil {
				s.logDecodeError(frame.Service, err)
				continue
			}
			if err := s.l1.Add(ctx, ingest.LevelOneItem{Quote: quote, ReceivedAt: receivedAt}); err != nil {
				return err
			}
		case schema.StreamL2:
			quotes, err := DecodeLevelTwo(raw)
			if err != nil {
				s.logDecodeError(frame.Service, err)
				continue
			}
			for _, quote := range quotes {
				if err := s.l2.Add(ctx, ingest.LevelTwoItem{Quote: quote, ReceivedAt: receivedAt}); err != nil {
					return err
				}
			}
		case schema.StreamChart:
			bar, err := DecodeChart(raw)
			if err != nil {
				s.logDecodeError(frame.Service, err)
				continue
			}
			if err := s.charts.Add(ctx, ingest.ChartItem{Bar: bar, ReceivedAt: receivedAt}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Supervisor) logDecodeError(service string, err error) {
	observability.Log().Warn("skipped undecodable record",
		observability.F("service", service),
		observability.F("error", err))
}

// Apply installs the desired subscription state. With full resubscribe every
// service gets a SUBS replacing its set; incrementally only the deltas are
// sent. The desired map survives reconnects.
func (s *Supervisor) Apply(ctx context.Context, desired DesiredSet, full bool) error {
	s.mu.Lock()
	previous := s.desired
	s.desired = desired
	session := s.session
	s.mu.Unlock()

	if session == nil {
		// Not connected; the next session subscribes from the desired map.
		return nil
	}
	if full {
		return s.resubscribeFull(ctx, session, previous, desired)
	}
	return s.applyDelta(ctx, session, previous, desired)
}

// Desired returns the current desired subscription state.
func (s *Supervisor) Desired() DesiredSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

// subscribeAll issues a SUBS for each non-empty set. Services with nothing
// desired are left untouched; the upstream rejects an empty SUBS on a
// service that was never subscribed.
func (s *Supervisor) subscribeAll(ctx context.Context, session schwab.Streamer, desired DesiredSet) error {
	return s.resubscribeFull(ctx, session, DesiredSet{}, desired)
}

// resubscribeFull replaces each service's set with a SUBS. A set that
// drained since previous still gets the empty SUBS so the upstream clears
// it; sets empty on both sides are skipped.
func (s *Supervisor) resubscribeFull(ctx context.Context, session schwab.Streamer, previous, desired DesiredSet) error {
	sets := []struct {
		subs       func(context.Context, []string) error
		prev, next []string
	}{
		{session.LevelOneEquitySubs, previous.Quotes, desired.Quotes},
		{session.NasdaqBookSubs, previous.NasdaqBook, desired.NasdaqBook},
		{session.NyseBookSubs, previous.NyseBook, desired.NyseBook},
		{session.ChartEquitySubs, previous.Charts, desired.Charts},
	}
	for _, set := range sets {
		if len(set.next) == 0 && len(set.prev) == 0 {
			continue
		}
		if err := set.subs(ctx, set.next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) applyDelta(ctx context.Context, session schwab.Streamer, previous, desired DesiredSet) error {
	type delta struct {
		add    func(context.Context, []string) error
		remove func(context.Context, []string) error
		added  []string
		gone   []string
	}
	deltas := []delta{
		{session.LevelOneEquityAdd, session.LevelOneEquityUnsubs,
			diffSymbols(previous.Quotes, desired.Quotes), diffSymbols(desired.Quotes, previous.Quotes)},
		{session.NasdaqBookAdd, session.NasdaqBookUnsubs,
			diffSymbols(previous.NasdaqBook, desired.NasdaqBook), diffSymbols(desired.NasdaqBook, previous.NasdaqBook)},
		{session.NyseBookAdd, session.NyseBookUnsubs,
			diffSymbols(previous.NyseBook, desired.NyseBook), diffSymbols(desired.NyseBook, previous.NyseBook)},
		{session.ChartEquityAdd, session.ChartEquityUnsubs,
			diffSymbols(previous.Charts, desired.Charts), diffSymbols(desired.Charts, previous.Charts)},
	}
	for _, d := range deltas {
		if len(d.added) > 0 {
			if err := d.add(ctx, d.added); err != nil {
				return err
			}
		}
		if len(d.gone) > 0 {
			if err := d.remove(ctx, d.gone); err != nil {
				return err
			}
		}
	}
	return nil
}

// diffSymbols returns the symbols in next that are absent from prev,
// comparing case-insensitively.
func diffSymbols(prev, next []string) []string {
	have := make(map[string]struct{}, len(prev))
	for _, symbol := range prev {
		have[schema.CanonicalSymbol(symbol)] = struct{}{}
	}
	var out []string
	for _, symbol := range next {
		canonical := schema.CanonicalSymbol(symbol)
		if _, ok := have[canonical]; !ok {
			out = append(out, canonical)
		}
	}
	return out
}

// Stop logs out, tears down the session, and drains the batchers. Safe to
// call more than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	var firstErr error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		session := s.session
		s.mu.Unlock()
		if session != nil {
			_ = s.logoutAndClose(session)
		}
		select {
		case <-s.done:
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.pool.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, stop := range []func(context.Context) error{
			func(c context.Context) error { return s.l1.Stop(c) },
			func(c context.Context) error { return s.l2.Stop(c) },
			func(c context.Context) error { return s.charts.Stop(c) },
		} {
			if err := stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func (s *Supervisor) logoutAndClose(session schwab.Streamer) error {
	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Logout(logoutCtx); err != nil {
		observability.Log().Warn("logout failed", observability.F("error", err))
	}
	return session.Close()
}

func isWeekend(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}
