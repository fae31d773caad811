package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"pgbatch/internal/auth"
	"pgbatch/internal/cache"
	"pgbatch/internal/codec"
	"pgbatch/internal/config"
	"pgbatch/internal/postgrest"
	"pgbatch/internal/resolver"
)

// row is one table row, column name to raw JSON value
type row map[string]json.RawMessage

// app holds the table client and the resolver plumbing shared by every mode
type app struct {
	client *postgrest.Client
	cache  cache.Cache
	stats  *resolver.Stats
	opts   []resolver.Option
	logger zerolog.Logger
}

func newApp(cfg *config.Config, authClient *auth.Client, logger zerolog.Logger) (*app, error) {
	pgCfg := postgrest.Config{
		URL:            cfg.URL,
		APIKey:         cfg.APIKey,
		Schema:         cfg.Schema,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		Logger:         logger,
	}
	if cfg.IsCircuitBreakerEnabled() {
		pgCfg.CircuitBreaker = postgrest.CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		}
	}
	if authClient != nil {
		pgCfg.TokenSource = authClient.AccessToken
	}

	client, err := postgrest.NewClient(pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create table client: %w", err)
	}

	var rowCache cache.Cache = cache.NewNoopCache()
	if cfg.IsCacheEnabled() {
		mc, err := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		rowCache = mc
		logger.Info().Int("size", cfg.Cache.Size).Int("ttl", cfg.Cache.TTL).Msg("row cache enabled")
	}

	stats := &resolver.Stats{}
	return &app{
		client: client,
		cache:  rowCache,
		stats:  stats,
		opts: []resolver.Option{
			resolver.WithMaxSize(cfg.Batching.MaxSize),
			resolver.WithMaxWait(cfg.Batching.GetMaxWaitDuration()),
			resolver.WithStats(stats),
			resolver.WithLogger(logger),
		},
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.cache.Close()
	a.client.Close()
}

// fetchRows resolves every key through one keyed resolver and prints the
// found rows in key order
func (a *app) fetchRows(ctx context.Context, opts cliOptions, out io.Writer) error {
	r := resolver.NewID(opts.table+".by_"+opts.column, resolver.IDConfig[string, row]{
		ID:       codec.String(),
		Result:   codec.JSON[row](),
		ResultID: func(r row) string { return columnKey(r[opts.column]) },
		Run:      a.client.InRun(opts.table, opts.column, selectWithKey(opts.columns, opts.column)),
	}, append(a.opts, resolver.WithCache(a.cache))...)
	defer r.Close()

	type found struct {
		row row
		ok  bool
		err error
	}
	results := make([]found, len(opts.ids))
	var wg sync.WaitGroup
	for i, id := range opts.ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			v, ok, err := r.Execute(ctx, id)
			results[i] = found{row: v, ok: ok, err: err}
		}(i, id)
	}
	wg.Wait()

	enc := json.NewEncoder(out)
	var failed int
	for i, res := range results {
		switch {
		case res.err != nil:
			failed++
			a.logKeyError(opts.ids[i], res.err)
		case !res.ok:
			a.logger.Warn().Str("key", opts.ids[i]).Msg("row not found")
		default:
			if err := enc.Encode(res.row); err != nil {
				return fmt.Errorf("failed to write row: %w", err)
			}
		}
	}
	return failedKeys(ctx, failed)
}

// fetchSingle resolves each key with its own single-row request
func (a *app) fetchSingle(ctx context.Context, opts cliOptions, out io.Writer) error {
	r := resolver.NewSingle(opts.table+".one_by_"+opts.column, resolver.SingleConfig[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     a.client.EqSingleRun(opts.table, opts.column, opts.columns),
	}, resolver.WithDedupe(), resolver.WithStats(a.stats), resolver.WithLogger(a.logger))

	type fetched struct {
		row row
		err error
	}
	results := make([]fetched, len(opts.ids))
	var wg sync.WaitGroup
	for i, id := range opts.ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			v, err := r.Execute(ctx, id)
			results[i] = fetched{row: v, err: err}
		}(i, id)
	}
	wg.Wait()

	enc := json.NewEncoder(out)
	var failed int
	for i, res := range results {
		if res.err != nil {
			failed++
			a.logKeyError(opts.ids[i], res.err)
			continue
		}
		if err := enc.Encode(res.row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return failedKeys(ctx, failed)
}

// deleteRows deletes every key through one void resolver. The batch fails
// as a whole when the backend deletes fewer rows than keys were given.
func (a *app) deleteRows(ctx context.Context, opts cliOptions) error {
	r := resolver.NewVoid(opts.table+".delete_by_"+opts.column, resolver.VoidConfig[string]{
		Request: codec.String(),
		Run:     a.client.DeleteInRun(opts.table, opts.column),
	}, a.opts...)
	defer r.Close()

	errs := make([]error, len(opts.ids))
	var wg sync.WaitGroup
	for i, id := range opts.ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = r.Execute(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var failed int
	for i, err := range errs {
		if err != nil {
			failed++
			a.logKeyError(opts.ids[i], err)
		}
	}
	if failed == 0 {
		a.logger.Info().Int("rows", len(opts.ids)).Msg("rows deleted")
	}
	return failedKeys(ctx, failed)
}

func (a *app) logKeyError(key string, err error) {
	e := a.logger.Error().Str("key", key).Err(err)
	if rerr, ok := resolver.AsError(err); ok {
		e = e.Str("kind", rerr.Kind().String())
	}
	e.Msg("request failed")
}

func failedKeys(ctx context.Context, failed int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d key(s) failed", failed)
	}
	return nil
}

// selectWithKey makes sure the key column comes back so rows can be matched
// to their keys
func selectWithKey(columns, key string) string {
	if columns == "" || columns == "*" {
		return "*"
	}
	for _, c := range strings.Split(columns, ",") {
		if strings.TrimSpace(c) == key {
			return columns
		}
	}
	return columns + "," + key
}

// columnKey renders a key column value the way it was given on the command
// line: strings unquoted, everything else as its JSON text
func columnKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
