package resolver

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/singleflight"

	"pgbatch/internal/codec"
)

// SingleRunFunc issues one query for one encoded key and returns its single row
type SingleRunFunc func(ctx context.Context, key json.RawMessage) (json.RawMessage, error)

// SingleConfig describes an unbatched resolver
type SingleConfig[K, A any] struct {
	Request codec.Codec[K]
	Result  codec.Codec[A]
	Run     SingleRunFunc
}

// ResolverSingle executes each request directly, for queries whose
// cardinality is known to be one
type ResolverSingle[K, A any] struct {
	tag   string
	cfg   SingleConfig[K, A]
	opts  *options
	group singleflight.Group
}

// NewSingle creates an unbatched resolver for tag
func NewSingle[K, A any](tag string, cfg SingleConfig[K, A], opts ...Option) *ResolverSingle[K, A] {
	if cfg.Request == nil || cfg.Result == nil || cfg.Run == nil {
		panic("resolver: Request, Result and Run are required")
	}
	o := newOptions(opts)
	o.logger = o.logger.With().Str("component", "resolver").Str("tag", tag).Logger()
	return &ResolverSingle[K, A]{
		tag:  tag,
		cfg:  cfg,
		opts: o,
	}
}

// Tag returns the resolver tag
func (r *ResolverSingle[K, A]) Tag() string {
	return r.tag
}

// Execute encodes key, runs the query and decodes the row
func (r *ResolverSingle[K, A]) Execute(ctx context.Context, key K) (A, error) {
	var zero A
	raw, err := r.cfg.Request.Encode(key)
	if err != nil {
		return zero, &EncodeError{Tag: r.tag, Err: err}
	}

	row, err := r.run(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		r.opts.stats.addExecutorFailure()
		return zero, &ExecutorError{Tag: r.tag, Err: err}
	}

	v, err := decodeRow(r.tag, 0, r.cfg.Result, row)
	if err != nil {
		r.opts.stats.addDecodeFailure()
		return zero, err
	}
	return v, nil
}

func (r *ResolverSingle[K, A]) run(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	r.opts.stats.addBatch(1)
	if !r.opts.dedupe {
		return r.cfg.Run(ctx, raw)
	}

	ch := r.group.DoChan(string(raw), func() (any, error) {
		return r.cfg.Run(context.WithoutCancel(ctx), raw)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.opts.logger.Debug().RawJSON("key", raw).Msg("shared in-flight single request")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
