package resolver

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pgbatch/internal/cache"
)

// Default batching values
const (
	DefaultMaxSize = 1000
	DefaultMaxWait = 2 * time.Millisecond
)

// EncodeMode selects how key encoding failures affect a batch
type EncodeMode int

const (
	// EncodeEach fails only the request whose key could not be encoded
	EncodeEach EncodeMode = iota
	// EncodeBatch fails the whole batch when any key cannot be encoded
	EncodeBatch
)

// Option configures a resolver
type Option func(*options)

type options struct {
	maxSize         int
	maxWait         time.Duration
	encodeMode      EncodeMode
	skipInvalidRows bool
	dedupe          bool
	cache           cache.Cache
	stats           *Stats
	logger          zerolog.Logger
	tracer          trace.Tracer
}

func newOptions(opts []Option) *options {
	o := &options{
		maxSize: DefaultMaxSize,
		maxWait: DefaultMaxWait,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxSize <= 0 {
		o.maxSize = DefaultMaxSize
	}
	if o.maxWait <= 0 {
		o.maxWait = DefaultMaxWait
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// WithMaxSize fires a batch as soon as it holds n requests
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

// WithMaxWait sets the batch window, measured from the first request
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithEncodeMode sets the key encoding failure policy
func WithEncodeMode(m EncodeMode) Option {
	return func(o *options) { o.encodeMode = m }
}

// WithSkipInvalidRows makes a keyed resolver treat undecodable rows as absent
func WithSkipInvalidRows() Option {
	return func(o *options) { o.skipInvalidRows = true }
}

// WithDedupe shares one call between concurrent single-shot requests for the same key
func WithDedupe() Option {
	return func(o *options) { o.dedupe = true }
}

// WithCache serves keyed lookups from c and stores rows found by batches
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithStats records batch counters into s
func WithStats(s *Stats) Option {
	return func(o *options) { o.stats = s }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the provider used for batch spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(tracerName) }
}
