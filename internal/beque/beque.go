// Package beque implements a bounded, elastic queue: a single-consumer
// batcher that flushes on a size threshold or a timer, whichever fires first.
package beque

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/observability"
)

// FlushFunc consumes one drained batch. Failures are counted, not retried;
// callers wanting retries build them into the callback.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Config enumerates the batcher tunables.
type Config[T any] struct {
	// Name is the diagnostic label.
	Name string
	// MaxBatchSize is the size flush threshold.
	MaxBatchSize int
	// FlushInterval is the maximum delay between flushes.
	FlushInterval time.Duration
	// QueueCapacity bounds the input queue; defaults to 10*MaxBatchSize.
	QueueCapacity int
	// OnFlush receives each drained batch.
	OnFlush FlushFunc[T]
}

// Beque is a bounded batcher with timed flush. Add blocks when the queue is
// full (backpressure); a single consumer goroutine drains batches in enqueue
// order.
type Beque[T any] struct {
	cfg  Config[T]
	in   chan T
	done chan struct{}
	once sync.Once

	// sendMu serializes producers against Stop: Add sends under the read
	// lock, Stop closes the input under the write lock, so an Add that
	// returned nil is always drained by the consumer.
	sendMu  sync.RWMutex
	stopped bool

	running       atomic.Bool
	totalFlushes  atomic.Uint64
	totalItems    atomic.Uint64
	failedFlushes atomic.Uint64
	lastFlushNano atomic.Int64
}

// Stats is a point-in-time snapshot of batcher health.
type Stats struct {
	Name                  string  `json:"name"`
	QueueSize             int     `json:"queue_size"`
	TotalFlushes          uint64  `json:"total_flushes"`
	TotalItemsFlushed     uint64  `json:"total_items_flushed"`
	FailedFlushes         uint64  `json:"failed_flushes"`
	SecondsSinceLastFlush float64 `json:"seconds_since_last_flush"`
	IsRunning             bool    `json:"is_running"`
}

// New validates cfg and starts the consumer goroutine.
func New[T any](cfg Config[T]) (*Beque[T], error) {
	if cfg.MaxBatchSize <= 0 {
		return nil, errs.New("beque", errs.CodeInvalid, errs.WithMessage("max batch size must be >0"))
	}
	if cfg.FlushInterval <= 0 {
		return nil, errs.New("beque", errs.CodeInvalid, errs.WithMessage("flush interval must be >0"))
	}
	if cfg.OnFlush == nil {
		return nil, errs.New("beque", errs.CodeInvalid, errs.WithMessage("flush callback must not be nil"))
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10 * cfg.MaxBatchSize
	}
	b := &Beque[T]{
		cfg:  cfg,
		in:   make(chan T, cfg.QueueCapacity),
		done: make(chan struct{}),
	}
	b.running.Store(true)
	b.lastFlushNano.Store(time.Now().UnixNano())
	go b.consume()
	return b, nil
}

// Add enqueues one item, waiting while the queue is full. It fails once the
// batcher has stopped or ctx is done.
func (b *Beque[T]) Add(ctx context.Context, item T) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.stopped {
		return errs.New("beque", errs.CodeUnavailable, errs.WithMessage(b.cfg.Name+" stopped"))
	}
	select {
	case b.in <- item:
		return nil
	case <-ctx.Done():
		return errs.New("beque", errs.CodeUnavailable,
			errs.WithMessage(b.cfg.Name+" add cancelled"), errs.WithCause(ctx.Err()))
	}
}

// Stop closes the input, drains remaining items as a final batch, awaits the
// flush callback, then releases the consumer. Safe to call more than once.
func (b *Beque[T]) Stop(ctx context.Context) error {
	b.once.Do(func() {
		b.sendMu.Lock()
		b.stopped = true
		close(b.in)
		b.sendMu.Unlock()
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return errs.New("beque", errs.CodeUnavailable,
			errs.WithMessage(b.cfg.Name+" stop timed out"), errs.WithCause(ctx.Err()))
	}
}

// Stats returns a snapshot of batcher counters.
func (b *Beque[T]) Stats() Stats {
	since := time.Since(time.Unix(0, b.lastFlushNano.Load())).Seconds()
	return Stats{
		Name:                  b.cfg.Name,
		QueueSize:             len(b.in),
		TotalFlushes:          b.totalFlushes.Load(),
		TotalItemsFlushed:     b.totalItems.Load(),
		FailedFlushes:         b.failedFlushes.Load(),
		SecondsSinceLastFlush: since,
		IsRunning:             b.running.Load(),
	}
}

func (b *Beque[T]) consume() {
	defer close(b.done)
	defer b.running.Store(false)

	batch := make([]T, 0, b.cfg.MaxBatchSize)
	timer := time.NewTimer(b.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := make([]T, len(batch))
		copy(out, batch)
		batch = batch[:0]
		b.dispatch(out)
	}

	for {
		select {
		case item, ok := <-b.in:
			if !ok {
				// Input closed; everything accepted is already drained.
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.cfg.MaxBatchSize {
				flush()
				resetTimer(timer, b.cfg.FlushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(b.cfg.FlushInterval)
		}
	}
}

func (b *Beque[T]) dispatch(batch []T) {
	b.lastFlushNano.Store(time.Now().UnixNano())
	if err := b.cfg.OnFlush(context.Background(), batch); err != nil {
		b.failedFlushes.Add(1)
		observability.Log().Error("batch flush failed",
			observability.F("batcher", b.cfg.Name),
			observability.F("batch_size", len(batch)),
			observability.F("error", err))
		return
	}
	b.totalFlushes.Add(1)
	b.totalItems.Add(uint64(len(batch)))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
