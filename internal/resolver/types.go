package resolver

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// outcome is the terminal state attached to a request
type outcome[V any] struct {
	value V
	found bool
	err   error
}

// request is one pending Execute call. Two requests with equal keys are
// still distinct waiters.
type request[K, V any] struct {
	ctx       context.Context
	key       K
	raw       json.RawMessage // encoded key, set when the batch fires
	done      chan outcome[V]
	once      sync.Once
	abandoned atomic.Bool
}

func newRequest[K, V any](ctx context.Context, key K) *request[K, V] {
	return &request[K, V]{
		ctx:  ctx,
		key:  key,
		done: make(chan outcome[V], 1),
	}
}

// complete attaches o unless an outcome is already attached.
// Returns true if o was attached.
func (r *request[K, V]) complete(o outcome[V]) bool {
	attached := false
	r.once.Do(func() {
		r.done <- o
		attached = true
	})
	return attached
}

func (r *request[K, V]) succeed(v V) bool {
	return r.complete(outcome[V]{value: v, found: true})
}

func (r *request[K, V]) absent() bool {
	return r.complete(outcome[V]{})
}

func (r *request[K, V]) fail(err error) bool {
	return r.complete(outcome[V]{err: err})
}

// live reports whether anyone is still waiting for the outcome
func (r *request[K, V]) live() bool {
	return !r.abandoned.Load() && r.ctx.Err() == nil
}

// wait blocks until the request has an outcome or its context ends
func (r *request[K, V]) wait() outcome[V] {
	select {
	case o := <-r.done:
		return o
	case <-r.ctx.Done():
		r.abandoned.Store(true)
		select {
		case o := <-r.done:
			return o
		default:
		}
		return outcome[V]{err: r.ctx.Err()}
	}
}

// bucket accumulates the requests of one batch window
type bucket[K, V any] struct {
	items []*request[K, V]
	timer *time.Timer
}

// add appends a request.
// Returns true if the bucket should be flushed (maxSize reached).
func (b *bucket[K, V]) add(r *request[K, V], maxSize int) bool {
	b.items = append(b.items, r)
	return len(b.items) >= maxSize
}

// startTimer starts the flush timer if not already started
func (b *bucket[K, V]) startTimer(d time.Duration, onFlush func()) {
	if b.timer == nil {
		b.timer = time.AfterFunc(d, onFlush)
	}
}

// stopTimer stops the flush timer
func (b *bucket[K, V]) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
