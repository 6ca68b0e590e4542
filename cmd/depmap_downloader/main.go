package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/depmap_downloader/internal/catalog"
	"github.com/italolelis/depmap_downloader/internal/cleanup"
	"github.com/italolelis/depmap_downloader/internal/config"
	"github.com/italolelis/depmap_downloader/internal/dc/depmap"
	"github.com/italolelis/depmap_downloader/internal/downloader"
	"github.com/italolelis/depmap_downloader/internal/http/rest"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/notifier"
	"github.com/italolelis/depmap_downloader/internal/storage/sqlite"
	"github.com/italolelis/depmap_downloader/internal/svc/cache"
	"github.com/italolelis/depmap_downloader/internal/task"
	"github.com/italolelis/depmap_downloader/internal/telemetry"
	"github.com/italolelis/depmap_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}

		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()

		return flag.ErrHelp
	}

	cmd, ok := commands[args[0]]
	if !ok {
		usage()

		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	registerCommonFlags(fs, cfg)
	exec := cmd.setup(fs, cfg)

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	// flags may have broken what the environment validated
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx = logctx.WithLogger(ctx, logger)

	logger.DebugContext(ctx, "depmap downloader starting", "command", cmd.name, "version", version, "log_level", cfg.LogLevel)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	return exec(ctx, a, fs.Args())
}

func registerCommonFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "portal API base URL")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "metadata database path")
	fs.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "directory downloaded files are written to")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent downloads")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN or ERROR")
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	svc       *cache.Service
	telemetry *telemetry.Telemetry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBDriver, cfg.DBPath)
	if err != nil {
		logger.ErrorContext(ctx, "DB error", "err", err)

		return nil, err
	}

	store := sqlite.NewInstrumentedStore(sqlite.NewStore(database), tel)

	// =========================================================================
	// Start Portal Client
	client := depmap.NewClient(cfg.APIURL,
		depmap.WithToken(cfg.APIToken),
		depmap.WithTimeout(cfg.HTTPTimeout),
	)
	remote := depmap.NewInstrumentedClient(client, tel)
	source := transfer.NewInstrumentedSource(client, tel, "depmap")

	policy := cfg.RetryPolicy()

	sync := catalog.NewSynchronizer(remote, store,
		catalog.WithRetryPolicy(policy),
		catalog.WithRefreshInterval(cfg.RefreshInterval),
		catalog.WithGeneBatchSize(cfg.GeneBatchSize),
		catalog.WithTelemetry(tel),
	)

	dl := downloader.NewDownloader(source, store,
		downloader.WithRetryPolicy(policy),
		downloader.WithTelemetry(tel),
		downloader.WithInstanceID(downloader.GenerateInstanceID()),
	)

	poller := task.NewPoller(remote,
		task.WithPollInterval(cfg.TaskPollInterval),
		task.WithMaxWait(cfg.TaskMaxWait),
		task.WithRetryPolicy(policy),
		task.WithTelemetry(tel),
	)

	opts := []cache.Option{cache.WithClaimTimeout(cfg.ClaimTimeout)}
	if cfg.DiscordWebhookURL != "" {
		opts = append(opts, cache.WithNotifier(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)))
	}

	return &app{
		cfg:       cfg,
		db:        database,
		svc:       cache.NewService(store, sync, dl, poller, opts...),
		telemetry: tel,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := a.db.Close(); err != nil {
		logger.ErrorContext(ctx, "failed to close database", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := a.telemetry.Shutdown(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to shutdown telemetry", "err", err)
	}
}

func (a *app) transferOptions(skipExisting, verify bool) transfer.Options {
	return transfer.Options{
		OutputDir:      a.cfg.OutputDir,
		Workers:        a.cfg.Workers,
		SkipExisting:   skipExisting,
		VerifyChecksum: verify,
	}
}

// serve runs the read-only API until ctx is done, refreshing the catalog and
// sweeping orphaned temp files in the background.
func (a *app) serve(ctx context.Context, refresh bool) error {
	logger := logctx.LoggerFromContext(ctx)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := a.setupServer(ctx)

	go func() {
		logger.InfoContext(ctx, "Initializing API support", "host", a.cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	var ticks <-chan time.Time

	if refresh {
		ticker := time.NewTicker(a.cfg.RefreshInterval)
		defer ticker.Stop()

		ticks = ticker.C

		a.refresh(ctx)
	}

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.InfoContext(ctx, "start shutdown")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.ErrorContext(ctx, "failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		case <-ticks:
			a.refresh(ctx)
		}
	}
}

func (a *app) refresh(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := a.svc.Update(ctx, nil, false); err != nil {
		logger.ErrorContext(ctx, "catalog refresh failed", "err", err)
		a.telemetry.RecordSystemError("catalog", "refresh_failed")
	}

	if _, err := cleanup.DeleteOrphanedParts(ctx, a.cfg.OutputDir, a.cfg.TempFileRetention); err != nil {
		logger.ErrorContext(ctx, "failed to sweep temp files", "err", err)
		a.telemetry.RecordSystemError("cleanup", "sweep_failed")
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func (a *app) setupServer(ctx context.Context) *http.Server {
	api := rest.NewAPIHandler(a.svc, a.cfg.Web.Username, a.cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(a.telemetry).Middleware)

	r.Handle("/metrics", a.telemetry.Handler())
	r.Mount("/", api.Routes())

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "depmap-api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
