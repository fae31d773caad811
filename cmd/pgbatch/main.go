package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pgbatch/internal/auth"
	"pgbatch/internal/config"
)

// cliOptions are the per-run flags
type cliOptions struct {
	table    string
	column   string
	columns  string
	ids      []string
	delete   bool
	single   bool
	email    string
	password string
}

func main() {
	// Parse flags
	configPath := flag.String("config", "config.json", "path to config file (.json, .yaml or .yml)")
	table := flag.String("table", "", "table to query")
	column := flag.String("column", "id", "key column")
	columns := flag.String("select", "*", "columns to return")
	ids := flag.String("ids", "", "comma-separated keys")
	del := flag.Bool("delete", false, "delete the rows instead of fetching them")
	single := flag.Bool("single", false, "fetch each key with its own single-row request")
	email := flag.String("email", "", "sign in as this user before querying")
	password := flag.String("password", "", "password for -email")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)

	opts := cliOptions{
		table:    *table,
		column:   *column,
		columns:  *columns,
		ids:      splitIDs(*ids),
		delete:   *del,
		single:   *single,
		email:    *email,
		password: *password,
	}
	if err := opts.validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid flags")
	}

	logger.Info().
		Str("config", *configPath).
		Str("url", cfg.URL).
		Str("table", opts.table).
		Int("keys", len(opts.ids)).
		Int("maxSize", cfg.Batching.MaxSize).
		Int("maxWait", cfg.Batching.MaxWait).
		Msg("starting pgbatch")

	// SIGINT/SIGTERM cancel every pending request
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdout, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("interrupted")
			os.Exit(130)
		}
		logger.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func (o cliOptions) validate() error {
	if o.table == "" {
		return errors.New("-table is required")
	}
	if o.column == "" {
		return errors.New("-column must not be empty")
	}
	if len(o.ids) == 0 {
		return errors.New("-ids is required")
	}
	if o.delete && o.single {
		return errors.New("-delete and -single are mutually exclusive")
	}
	if o.email != "" && o.password == "" {
		return errors.New("-password is required with -email")
	}
	return nil
}

// run signs in when asked, then resolves every key through one batching
// resolver and writes the rows to out as JSON lines
func run(ctx context.Context, cfg *config.Config, opts cliOptions, out io.Writer, logger zerolog.Logger) error {
	var authClient *auth.Client
	if opts.email != "" {
		var err error
		authClient, err = signIn(ctx, cfg, opts, logger)
		if err != nil {
			return err
		}
		defer func() {
			signOutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := authClient.SignOut(signOutCtx); err != nil {
				logger.Warn().Err(err).Msg("sign-out failed")
			}
			authClient.Close()
		}()
	}

	app, err := newApp(cfg, authClient, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	start := time.Now()
	switch {
	case opts.delete:
		err = app.deleteRows(ctx, opts)
	case opts.single:
		err = app.fetchSingle(ctx, opts, out)
	default:
		err = app.fetchRows(ctx, opts, out)
	}

	s := app.stats.Snapshot()
	logger.Info().
		Uint64("batches", s.Batches).
		Uint64("requests", s.Requests).
		Uint64("cancelled", s.Cancelled).
		Uint64("executorFailures", s.ExecutorFailures).
		Uint64("lengthMismatches", s.LengthMismatches).
		Uint64("decodeFailures", s.DecodeFailures).
		Uint64("cacheHits", s.CacheHits).
		Dur("duration", time.Since(start)).
		Msg("resolver stats")
	return err
}

// signIn creates the auth client, signs in and logs auth state changes
// until ctx ends
func signIn(ctx context.Context, cfg *config.Config, opts cliOptions, logger zerolog.Logger) (*auth.Client, error) {
	authCfg := auth.Config{
		URL:            cfg.URL,
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		EventBuffer:    cfg.GetAuthEventBuffer(),
		Logger:         logger,
	}
	if eventsURL := cfg.GetAuthEventsURL(); eventsURL != "" {
		authCfg.Source = auth.NewWSSource(eventsURL, cfg.APIKey, logger)
	}

	client, err := auth.NewClient(authCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	events, _, err := client.OnAuthStateChange(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to auth events: %w", err)
	}
	go func() {
		for ev := range events {
			e := logger.Info().Str("event", string(ev.Event))
			if ev.Session != nil {
				e = e.Str("user", ev.Session.User.ID.String())
			}
			e.Msg("auth state changed")
		}
	}()

	session, err := client.SignInWithPassword(ctx, auth.Credentials{Email: opts.email, Password: opts.password})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sign-in failed: %w", err)
	}
	logger.Info().Str("user", session.User.ID.String()).Str("email", session.User.Email).Msg("signed in")
	return client, nil
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// setupLogger configures the zerolog logger. Logs go to stderr so stdout
// carries only rows.
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
