// Command relay is the Dataminr alert relay binary. It loads a YAML
// configuration file, wires the vendor gateway, the alert cache, the
// polling engine, and the action dispatcher, exposes the HTTP action and
// health endpoints, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alertops/dataminr-relay/internal/config"
	"github.com/alertops/dataminr-relay/internal/dataminr"
	"github.com/alertops/dataminr-relay/internal/dispatch"
	"github.com/alertops/dataminr-relay/internal/poller"
	"github.com/alertops/dataminr-relay/internal/relay"
	"github.com/alertops/dataminr-relay/internal/server/rest"
	"github.com/alertops/dataminr-relay/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/dataminr-relay/config.yaml", "path to the relay YAML configuration file")
	jwtPubKeyPath := flag.String("jwt-pubkey", "", "path to PEM RSA public key for JWT validation (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dataminr-relay: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("url", cfg.URL),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.Bool("bulk_mode", cfg.Bulk.Enabled),
		slog.Bool("trial_mode", cfg.TrialMode),
	)

	// ── Core components ──────────────────────────────────────────────────────
	metrics := dataminr.NewMetrics()

	st := store.New(store.Config{
		MaxItems: cfg.CacheMaxItems,
		MaxAge:   cfg.MaxAge(),
		Types:    store.NewTypeFilter(cfg.AlertTypes()),
		Logger:   logger,
	})

	client := dataminr.New(dataminr.Config{
		BaseURL:      cfg.URL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Logger:       logger,
		Metrics:      metrics,
	})

	pollerCfg := poller.Config{
		Client:   client,
		Store:    st,
		Interval: cfg.PollPeriod(),
		Lists:    cfg.ListIDs(),
		Metrics:  metrics,
		Logger:   logger,
	}
	if cfg.Bulk.Enabled {
		pollerCfg.Client = nil
		pollerCfg.Bulk = dataminr.NewBulk(dataminr.BulkConfig{
			DownloadURL:  cfg.Bulk.DownloadURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Logger:       logger,
		})
	}
	p := poller.New(pollerCfg)

	sup := relay.New(
		relay.WithStore(st),
		relay.WithClient(client),
		relay.WithPoller(p),
	)

	dispatcher := dispatch.New(dispatch.Config{
		Client:     client,
		Store:      st,
		Renderer:   dispatch.HTMLRenderer{},
		Bootstrap:  sup,
		Lists:      cfg.ListIDs(),
		AlertTypes: cfg.AlertTypes(),
		TrialMode:  cfg.TrialMode,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Startup(ctx, logger); err != nil {
		logger.Error("failed to start relay", slog.Any("error", err))
		os.Exit(1)
	}
	defer sup.Shutdown()

	// ── HTTP server ──────────────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if *jwtPubKeyPath != "" {
		pem, err := os.ReadFile(*jwtPubKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("no JWT public key configured; API authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(dispatcher, sup.HealthzHandler, metrics.Handler(), logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      rest.NewRouter(restSrv, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	sup.Shutdown()
	logger.Info("dataminr relay exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
