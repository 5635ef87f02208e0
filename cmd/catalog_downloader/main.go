package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/catalog_downloader/internal/cleanup"
	"github.com/italolelis/catalog_downloader/internal/config"
	"github.com/italolelis/catalog_downloader/internal/cooldown"
	"github.com/italolelis/catalog_downloader/internal/dc/remote"
	"github.com/italolelis/catalog_downloader/internal/downloader"
	"github.com/italolelis/catalog_downloader/internal/http/rest"
	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/notifier"
	"github.com/italolelis/catalog_downloader/internal/sink"
	"github.com/italolelis/catalog_downloader/internal/storage/sqlite"
	"github.com/italolelis/catalog_downloader/internal/telemetry"
	"github.com/italolelis/catalog_downloader/internal/transfer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("catalog downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	index := sqlite.NewInstrumentedFileIndexRepository(database, tel)

	// =========================================================================
	// Start Remote Client
	rc, err := remote.NewClient(remote.Options{
		BaseURL:       cfg.Remote.BaseURL,
		Token:         cfg.Remote.Token,
		ListTimeout:   cfg.Remote.ListTimeout,
		FileTimeout:   cfg.Remote.FileTimeout,
		BundleTimeout: cfg.Remote.BundleTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build remote client: %w", err)
	}

	client := transfer.NewInstrumentedClient(rc, tel, "remote")

	// =========================================================================
	// Start Coordinator
	tracker := cooldown.NewMemoryTracker[transfer.OperationCategory]()
	defer tracker.Close()

	coordinator := downloader.NewCoordinator(client, tracker, index, tel, downloader.Options{
		SuccessCooldown: cfg.Cooldown.AfterSuccess,
		DefaultCooldown: cfg.Cooldown.Default,
		MaxParallel:     cfg.MaxParallel,
		EventBuffer:     downloader.DefaultOptions().EventBuffer,
	})
	defer coordinator.Close()

	if err := os.MkdirAll(cfg.TargetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create target dir: %w", err)
	}

	disk := sink.NewDiskSink(cfg.TargetDir)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, coordinator, cfg)

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, cfg.TargetDir, cfg.CleanupInterval, cfg.PartialMaxAge)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, coordinator, disk, database, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for requests...",
		"remote", cfg.Remote.BaseURL,
		"target_dir", cfg.TargetDir,
		"cooldown_default", cfg.Cooldown.Default.String(),
		"cooldown_after_success", cfg.Cooldown.AfterSuccess.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func setupNotification(ctx context.Context, coordinator *downloader.Coordinator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.NopNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for event := range coordinator.OnDownloadFailed {
			logger.Error("download failed", "key", event.Key.String(), "err", event.Err)

			if notifyErr := notif.Notify(
				context.WithoutCancel(ctx),
				"❌ Download failed for "+event.Key.String()+": "+string(transfer.KindOf(event.Err)),
			); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range coordinator.OnDownloadFinished {
			size := "unknown size"
			if event.Size >= 0 {
				size = humanize.Bytes(uint64(event.Size))
			}

			if notifyErr := notif.Notify(
				context.WithoutCancel(ctx),
				"✅ Download finished: "+event.Filename+" ("+size+", "+event.Duration.Round(time.Millisecond).String()+")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "key", event.Key.String(), "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	coordinator *downloader.Coordinator,
	disk *sink.DiskSink,
	db rest.Pinger,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	gateway := rest.NewGatewayHandler(coordinator, disk, db, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", gateway.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		// Requests keep the root logger but are not cancelled by the shutdown signal;
		// Shutdown drains them within ShutdownTimeout.
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
}
