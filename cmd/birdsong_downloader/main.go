package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avisono/birdsong_downloader/internal/config"
	"github.com/avisono/birdsong_downloader/internal/connectivity"
	"github.com/avisono/birdsong_downloader/internal/downloads"
	"github.com/avisono/birdsong_downloader/internal/http/rest"
	"github.com/avisono/birdsong_downloader/internal/identity"
	"github.com/avisono/birdsong_downloader/internal/kv"
	"github.com/avisono/birdsong_downloader/internal/kv/badger"
	"github.com/avisono/birdsong_downloader/internal/kv/sqlite"
	"github.com/avisono/birdsong_downloader/internal/ledger"
	"github.com/avisono/birdsong_downloader/internal/logctx"
	"github.com/avisono/birdsong_downloader/internal/notifier"
	"github.com/avisono/birdsong_downloader/internal/playback"
	"github.com/avisono/birdsong_downloader/internal/signer"
	"github.com/avisono/birdsong_downloader/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("birdsong downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
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
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start State Store
	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	lgr := ledger.New(kv.NewInstrumentedStore(store, tel))

	// =========================================================================
	// Start Signer Client
	signerClient := signer.NewInstrumentedClient(
		signer.NewClient(cfg.BackendBaseURL, cfg.BackendToken),
		tel,
	)

	// =========================================================================
	// Start Orchestrator
	id := &identity.Static{UserID: cfg.UserID}

	orch := downloads.New(lgr, signerClient, id, tel, downloads.Config{
		DownloadDir:   cfg.DownloadDir,
		AudioBucket:   cfg.AudioBucket,
		ReadURLTTL:    cfg.ReadURLTTL,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	defer orch.Close()

	orch.Load(ctx)

	// =========================================================================
	// Start Connectivity Probe
	prober := connectivity.NewProber(cfg.ProbeURL)
	prober.OnRestore(func() {
		logger.Info("connectivity restored, reconciling downloads")
		orch.Load(ctx)
	})
	prober.Watch(ctx, cfg.ProbeInterval)

	resolver := playback.NewResolver(signerClient, orch, prober, cfg.AudioBucket, cfg.VideoBucket, cfg.ReadURLTTL)

	// =========================================================================
	// Start Notification
	setupNotificationForOrchestrator(ctx, orch, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, resolver, signerClient, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("serving downloads...",
		"download_dir", cfg.DownloadDir,
		"store_driver", cfg.StoreDriver,
		"max_concurrent", cfg.MaxConcurrent,
		"reconcile_interval", cfg.ReconcileInterval.String(),
	)

	// =========================================================================
	// Start Main Loop
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		case <-ticker.C:
			orch.Load(ctx)
		}
	}
}

func setupNotificationForOrchestrator(ctx context.Context, orch *downloads.Orchestrator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	go func() {
		for event := range orch.OnDownloadError {
			logger.Error("download failed", "recording_id", event.RecordingID, "err", event.Error)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Download failed for recording: " + event.Title + " (" + event.RecordingID + ")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "recording_id", event.RecordingID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range orch.OnDownloadFinished {
			logger.Info("download finished", "recording_id", event.RecordingID, "title", event.Title)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"✅ Download finished for recording: " + event.Title + " (" + event.RecordingID + ")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "recording_id", event.RecordingID, "err", notifyErr)
			}
		}
	}()
}

// This is an abstract factory for the state store.
func buildStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.StoreDriver {
	case "badger":
		return badger.Open(cfg.StorePath)
	case "sqlite":
		return sqlite.Open(cfg.StorePath)
	}

	return nil, fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	orch *downloads.Orchestrator,
	resolver *playback.Resolver,
	backend rest.Backend,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewDownloadsHandler(orch, resolver, backend, cfg.UserID)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", handler.Routes())
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
