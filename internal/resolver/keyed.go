package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	"pgbatch/internal/cache"
	"pgbatch/internal/codec"
)

// IDConfig describes a keyed batched resolver
type IDConfig[K comparable, A any] struct {
	ID       codec.Codec[K]
	Result   codec.Codec[A]
	ResultID func(A) K
	Run      RunFunc
}

// ResolverID batches concurrent Execute calls and matches rows back to keys
// through ResultID, so response order does not matter and a missing row
// means "not found" rather than an error
type ResolverID[K comparable, A any] struct {
	tag   string
	cfg   IDConfig[K, A]
	opts  *options
	queue *queue[K, A]
}

// NewID creates a keyed batched resolver for tag
func NewID[K comparable, A any](tag string, cfg IDConfig[K, A], opts ...Option) *ResolverID[K, A] {
	if cfg.ID == nil || cfg.Result == nil || cfg.ResultID == nil || cfg.Run == nil {
		panic("resolver: ID, Result, ResultID and Run are required")
	}
	r := &ResolverID[K, A]{
		tag:  tag,
		cfg:  cfg,
		opts: newOptions(opts),
	}
	r.queue = newQueue[K, A](tag, r.opts, r.fire)
	return r
}

// Tag returns the resolver tag
func (r *ResolverID[K, A]) Tag() string {
	return r.tag
}

// Execute looks up key. found is false when the backend returned no row for it.
func (r *ResolverID[K, A]) Execute(ctx context.Context, key K) (value A, found bool, err error) {
	if r.opts.cache != nil {
		if v, ok := r.cached(key); ok {
			return v, true, nil
		}
	}

	req, err := r.queue.add(ctx, key)
	if err != nil {
		return value, false, err
	}
	o := req.wait()
	return o.value, o.found, o.err
}

// Flush fires the pending batch immediately
func (r *ResolverID[K, A]) Flush() {
	r.queue.Flush()
}

// Close fires the pending batch and rejects further requests
func (r *ResolverID[K, A]) Close() {
	r.queue.Close()
}

// cached serves key from the row cache. Entries that no longer decode are ignored.
func (r *ResolverID[K, A]) cached(key K) (A, bool) {
	var zero A
	raw, err := r.cfg.ID.Encode(key)
	if err != nil {
		return zero, false
	}
	data, ok := r.opts.cache.Get(r.cacheKey(raw))
	if !ok {
		return zero, false
	}
	v, err := r.cfg.Result.Decode(data)
	if err != nil {
		return zero, false
	}
	r.opts.stats.addCacheHit()
	return v, true
}

func (r *ResolverID[K, A]) cacheKey(raw json.RawMessage) string {
	return cache.Key(r.tag, raw)
}

func (r *ResolverID[K, A]) fire(ctx context.Context, reqs []*request[K, A]) {
	reqs, keys, encErr := encodeKeys(r.tag, r.opts.encodeMode, r.cfg.ID, reqs)
	if len(reqs) == 0 {
		if encErr != nil {
			markFailed(ctx, encErr)
		}
		return
	}

	runCtx, cancel := batchContext(ctx, reqs)
	defer cancel()

	rows, err := r.cfg.Run(runCtx, keys)
	if err != nil {
		r.opts.stats.addExecutorFailure()
		r.queue.logger.Warn().Err(err).Int("items", len(reqs)).Msg("batch executor failed")
		markFailed(ctx, err)
		failAll(reqs, &ExecutorError{Tag: r.tag, Err: err})
		return
	}

	found, failures := correlateKeyed(r.tag, r.cfg.Result, r.cfg.ResultID, r.opts.skipInvalidRows, r.queue.logger, reqs, rows)
	if failures > 0 {
		r.opts.stats.addDecodeFailure()
		markFailed(ctx, fmt.Errorf("%d of %d rows failed to decode", failures, len(rows)))
	}

	if r.opts.cache != nil {
		for _, req := range reqs {
			if row, ok := found[req.key]; ok {
				r.opts.cache.Set(r.cacheKey(req.raw), row.raw)
			}
		}
	}

	r.queue.logger.Debug().
		Int("items", len(reqs)).
		Int("rows", len(rows)).
		Int("found", len(found)).
		Msg("keyed batch correlated")
}
