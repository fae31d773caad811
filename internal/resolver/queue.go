package resolver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pgbatch/resolver"

// fireFunc executes one batch and attaches an outcome to each request. ctx
// carries the batch span and is never cancelled; the executor context comes
// from batchContext over the requests that reach it.
type fireFunc[K, V any] func(ctx context.Context, reqs []*request[K, V])

// queue collects concurrent requests for one tag into batches
type queue[K, V any] struct {
	tag    string
	opts   *options
	fire   fireFunc[K, V]
	logger zerolog.Logger

	mu      sync.Mutex
	pending *bucket[K, V]
	closed  bool
	wg      sync.WaitGroup
}

func newQueue[K, V any](tag string, opts *options, fire fireFunc[K, V]) *queue[K, V] {
	return &queue[K, V]{
		tag:    tag,
		opts:   opts,
		fire:   fire,
		logger: opts.logger.With().Str("component", "resolver").Str("tag", tag).Logger(),
	}
}

// add places a request in the current batch window, opening one if needed
func (q *queue[K, V]) add(ctx context.Context, key K) (*request[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := newRequest[K, V](ctx, key)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}

	b := q.pending
	if b == nil {
		b = &bucket[K, V]{}
		q.pending = b
	}
	shouldFlush := b.add(req, q.opts.maxSize)

	var items []*request[K, V]
	if shouldFlush {
		items = q.take(b)
	} else {
		b.startTimer(q.opts.maxWait, func() { q.flushBucket(b) })
	}
	if items != nil {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if items != nil {
		go func() {
			defer q.wg.Done()
			q.run(items)
		}()
	}
	return req, nil
}

// take detaches b from the queue so later requests open a new window.
// Must be called with q.mu held.
func (q *queue[K, V]) take(b *bucket[K, V]) []*request[K, V] {
	if q.pending != b {
		return nil
	}
	q.pending = nil
	b.stopTimer()
	return b.items
}

// flushBucket fires b if it is still the open window
func (q *queue[K, V]) flushBucket(b *bucket[K, V]) {
	q.mu.Lock()
	items := q.take(b)
	if items != nil {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if items != nil {
		defer q.wg.Done()
		q.run(items)
	}
}

// Flush closes the current batch window and fires it without waiting for the timer
func (q *queue[K, V]) Flush() {
	q.mu.Lock()
	b := q.pending
	q.mu.Unlock()
	if b != nil {
		q.flushBucket(b)
	}
}

// Close rejects new requests, fires any pending batch and waits for in-flight batches
func (q *queue[K, V]) Close() {
	q.mu.Lock()
	q.closed = true
	b := q.pending
	q.mu.Unlock()

	if b != nil {
		q.flushBucket(b)
	}
	q.wg.Wait()
	q.logger.Debug().Msg("resolver closed")
}

// run fires one batch. Every request leaves run with an outcome attached.
func (q *queue[K, V]) run(items []*request[K, V]) {
	live := make([]*request[K, V], 0, len(items))
	for _, r := range items {
		if r.live() {
			live = append(live, r)
			continue
		}
		r.fail(r.ctx.Err())
	}
	if cancelled := len(items) - len(live); cancelled > 0 {
		q.opts.stats.addCancelled(cancelled)
	}
	if len(live) == 0 {
		q.logger.Debug().Int("items", len(items)).Msg("batch cancelled before firing")
		return
	}

	ctx, span := q.opts.tracer.Start(context.WithoutCancel(live[0].ctx), "resolver.batch "+q.tag,
		trace.WithAttributes(
			attribute.String("resolver.tag", q.tag),
			attribute.Int("resolver.batch_size", len(live)),
		))
	defer span.End()

	q.opts.stats.addBatch(len(live))
	q.logger.Debug().Int("items", len(live)).Msg("executing batch")

	defer func() {
		if p := recover(); p != nil {
			err := &ExecutorError{Tag: q.tag, Err: fmt.Errorf("panic: %v", p)}
			q.logger.Error().Interface("panic", p).Msg("batch panicked")
			markFailed(ctx, err)
			failAll(live, err)
			return
		}
		unresolved := 0
		for _, r := range live {
			if r.fail(&ExecutorError{Tag: q.tag, Err: errUnresolved}) {
				unresolved++
			}
		}
		if unresolved > 0 {
			q.logger.Error().Int("unresolved", unresolved).Msg("batch left requests without outcome")
		}
	}()

	q.fire(ctx, live)
	q.logger.Debug().Int("items", len(live)).Msg("batch completed")
}

// batchContext derives the context passed to the executor from parent. It
// is cancelled once the context of every request in reqs is done, so reqs
// must hold only the requests that reach the executor.
func batchContext[K, V any](parent context.Context, reqs []*request[K, V]) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	var remaining atomic.Int64
	remaining.Store(int64(len(reqs)))
	stops := make([]func() bool, 0, len(reqs))
	for _, r := range reqs {
		stops = append(stops, context.AfterFunc(r.ctx, func() {
			if remaining.Add(-1) == 0 {
				cancel()
			}
		}))
	}

	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel()
	}
}

// markFailed records err on the batch span carried by ctx
func markFailed(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func failAll[K, V any](reqs []*request[K, V], err error) {
	for _, r := range reqs {
		r.fail(err)
	}
}
