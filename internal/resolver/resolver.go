package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	"pgbatch/internal/codec"
)

// RunFunc issues one query for a batch of encoded keys and returns the rows
type RunFunc func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error)

// Config describes a positional batched resolver
type Config[K, A any] struct {
	Request codec.Codec[K]
	Result  codec.Codec[A]
	Run     RunFunc
}

// Resolver batches concurrent Execute calls into one Run call and expects
// row i of the response to answer key i
type Resolver[K, A any] struct {
	tag   string
	cfg   Config[K, A]
	opts  *options
	queue *queue[K, A]
}

// New creates a positional batched resolver for tag
func New[K, A any](tag string, cfg Config[K, A], opts ...Option) *Resolver[K, A] {
	if cfg.Request == nil || cfg.Result == nil || cfg.Run == nil {
		panic("resolver: Request, Result and Run are required")
	}
	r := &Resolver[K, A]{
		tag:  tag,
		cfg:  cfg,
		opts: newOptions(opts),
	}
	r.queue = newQueue[K, A](tag, r.opts, r.fire)
	return r
}

// Tag returns the resolver tag
func (r *Resolver[K, A]) Tag() string {
	return r.tag
}

// Execute submits key to the current batch and waits for its row
func (r *Resolver[K, A]) Execute(ctx context.Context, key K) (A, error) {
	req, err := r.queue.add(ctx, key)
	if err != nil {
		var zero A
		return zero, err
	}
	o := req.wait()
	return o.value, o.err
}

// Flush fires the pending batch immediately
func (r *Resolver[K, A]) Flush() {
	r.queue.Flush()
}

// Close fires the pending batch and rejects further requests
func (r *Resolver[K, A]) Close() {
	r.queue.Close()
}

func (r *Resolver[K, A]) fire(ctx context.Context, reqs []*request[K, A]) {
	reqs, keys, encErr := encodeKeys(r.tag, r.opts.encodeMode, r.cfg.Request, reqs)
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

	if err := checkLength(r.tag, len(reqs), len(rows)); err != nil {
		r.opts.stats.addLengthMismatch()
		r.queue.logger.Error().
			Int("expected", len(reqs)).
			Int("got", len(rows)).
			Msg("batch result size mismatch")
		markFailed(ctx, err)
		failAll(reqs, err)
		return
	}

	if failures := correlatePositional(r.tag, r.cfg.Result, reqs, rows); failures > 0 {
		r.opts.stats.addDecodeFailure()
		r.queue.logger.Warn().Int("failures", failures).Msg("batch rows failed to decode")
		markFailed(ctx, fmt.Errorf("%d of %d rows failed to decode", failures, len(rows)))
	}
}
