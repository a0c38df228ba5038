// Package subscriber implements the bounded storage subscriber (C11): a
// single-producer/single-consumer hand-off between the hot trading path
// and the persistence task, with two admission policies (best-effort
// drop-oldest, durable blocking) and batched draining into a caller
// supplied sink. Grounded on k4.go's walQueue/walQueueLock/
// backgroundWalWriter (queue-plus-draining-goroutine shape), generalized
// from a mutex-guarded slice to a buffered channel, which gives the
// blocking-on-full behavior durable entries need for free and lets
// best-effort entries implement drop-oldest with a single non-blocking
// receive since there is, by construction, exactly one producer.
package subscriber

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/exchangecore/ledger/record"
)

// DefaultCapacity, DefaultBatchSize and DefaultBatchTimeout mirror
// spec.md §4.10's defaults.
const (
	DefaultCapacity     = 10_000
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 10 * time.Millisecond
)

// IsBestEffort reports whether a record of the given kind may be dropped
// under queue pressure. Tick data and order book snapshots are
// reconstructible/superseded by the next update; everything touching an
// order, trade, account, or user is not.
func IsBestEffort(k record.Kind) bool {
	switch k {
	case record.KindTickData, record.KindOrderBookSnapshot:
		return true
	default:
		return false
	}
}

// BatchHandler persists one drained batch — the expected implementation
// appends each record to the WAL, then applies it to the OLTP/OLAP
// MemTables (spec.md §4.10: "one batched write to the WAL layer, then
// applies to MemTables").
type BatchHandler func(batch []record.Record) error

// Queue is the bounded SPSC hand-off. It must have exactly one producer
// (Publish) and exactly one consumer (DrainBatch / Subscriber.Run).
type Queue struct {
	ch       chan record.Record
	capacity int
}

// NewQueue constructs a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan record.Record, capacity), capacity: capacity}
}

// Publish admits r according to its durability class: best-effort
// records drop the oldest queued entry and retry once if the queue is
// full; durable records block until space is available or ctx is
// cancelled.
func (q *Queue) Publish(ctx context.Context, r record.Record) error {
	if IsBestEffort(r.Kind()) {
		q.publishBestEffort(r)
		return nil
	}
	return q.publishDurable(ctx, r)
}

func (q *Queue) publishBestEffort(r record.Record) {
	select {
	case q.ch <- r:
		return
	default:
	}

	// Full: drop the oldest entry to make room, then retry once. If the
	// single consumer races us and drains first, the retry still succeeds
	// immediately; if it doesn't, we accept the (rare, SPSC-only) loss of
	// this attempt rather than blocking a best-effort publish.
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- r:
	default:
	}
}

func (q *Queue) publishDurable(ctx context.Context, r record.Record) error {
	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainBatch blocks for the first entry, then collects up to maxSize
// total entries or until maxWait has elapsed since the first arrived,
// whichever comes first (spec.md §4.10's batch_size/batch_timeout_ms).
func (q *Queue) DrainBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]record.Record, error) {
	select {
	case r := <-q.ch:
		batch := make([]record.Record, 0, maxSize)
		batch = append(batch, r)

		deadline := time.NewTimer(maxWait)
		defer deadline.Stop()

		for len(batch) < maxSize {
			select {
			case r := <-q.ch:
				batch = append(batch, r)
			case <-deadline.C:
				return batch, nil
			case <-ctx.Done():
				return batch, ctx.Err()
			}
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Subscriber drains a Queue in the background, handing each batch to a
// BatchHandler.
type Subscriber struct {
	queue        *Queue
	handler      BatchHandler
	batchSize    int
	batchTimeout time.Duration
	log          zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Subscriber over queue. Call Run to start draining.
func New(queue *Queue, handler BatchHandler, batchSize int, batchTimeout time.Duration, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		queue:        queue,
		handler:      handler,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		log:          logger.With().Str("component", "subscriber").Logger(),
	}
}

// Run starts the draining loop in a background goroutine. Call Stop to
// terminate it.
func (s *Subscriber) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			batch, err := s.queue.DrainBatch(ctx, s.batchSize, s.batchTimeout)
			if len(batch) > 0 {
				if herr := s.handler(batch); herr != nil {
					s.log.Error().Err(herr).Int("batch_size", len(batch)).Msg("batch handler failed")
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// Stop cancels the draining loop and waits for it to exit.
func (s *Subscriber) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
