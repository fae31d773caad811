package resolver

import (
	"context"
	"encoding/json"

	"pgbatch/internal/codec"
)

// VoidRunFunc issues one command for a batch of encoded keys and returns how
// many of them the backend acknowledged
type VoidRunFunc func(ctx context.Context, keys []json.RawMessage) (int, error)

// VoidConfig describes an acknowledgment-only batched resolver
type VoidConfig[K any] struct {
	Request codec.Codec[K]
	Run     VoidRunFunc
}

// ResolverVoid batches write or delete commands whose only result is an
// acknowledgment count
type ResolverVoid[K any] struct {
	tag   string
	cfg   VoidConfig[K]
	opts  *options
	queue *queue[K, struct{}]
}

// NewVoid creates an acknowledgment-only batched resolver for tag
func NewVoid[K any](tag string, cfg VoidConfig[K], opts ...Option) *ResolverVoid[K] {
	if cfg.Request == nil || cfg.Run == nil {
		panic("resolver: Request and Run are required")
	}
	r := &ResolverVoid[K]{
		tag:  tag,
		cfg:  cfg,
		opts: newOptions(opts),
	}
	r.queue = newQueue[K, struct{}](tag, r.opts, r.fire)
	return r
}

// Tag returns the resolver tag
func (r *ResolverVoid[K]) Tag() string {
	return r.tag
}

// Execute submits key to the current batch and waits for the acknowledgment
func (r *ResolverVoid[K]) Execute(ctx context.Context, key K) error {
	req, err := r.queue.add(ctx, key)
	if err != nil {
		return err
	}
	return req.wait().err
}

// Flush fires the pending batch immediately
func (r *ResolverVoid[K]) Flush() {
	r.queue.Flush()
}

// Close fires the pending batch and rejects further requests
func (r *ResolverVoid[K]) Close() {
	r.queue.Close()
}

func (r *ResolverVoid[K]) fire(ctx context.Context, reqs []*request[K, struct{}]) {
	reqs, keys, encErr := encodeKeys(r.tag, r.opts.encodeMode, r.cfg.Request, reqs)
	if len(reqs) == 0 {
		if encErr != nil {
			markFailed(ctx, encErr)
		}
		return
	}

	runCtx, cancel := batchContext(ctx, reqs)
	defer cancel()

	acked, err := r.cfg.Run(runCtx, keys)
	if err != nil {
		r.opts.stats.addExecutorFailure()
		r.queue.logger.Warn().Err(err).Int("items", len(reqs)).Msg("batch executor failed")
		markFailed(ctx, err)
		failAll(reqs, &ExecutorError{Tag: r.tag, Err: err})
		return
	}

	if err := checkLength(r.tag, len(reqs), acked); err != nil {
		r.opts.stats.addLengthMismatch()
		r.queue.logger.Error().
			Int("expected", len(reqs)).
			Int("got", acked).
			Msg("batch acknowledgment count mismatch")
		markFailed(ctx, err)
		failAll(reqs, err)
		return
	}

	for _, req := range reqs {
		req.succeed(struct{}{})
	}
}
