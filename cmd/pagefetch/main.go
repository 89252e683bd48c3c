package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/pagefetch/api"
	"github.com/use-agent/pagefetch/api/handler"
	"github.com/use-agent/pagefetch/api/middleware"
	"github.com/use-agent/pagefetch/archive"
	"github.com/use-agent/pagefetch/cache"
	"github.com/use-agent/pagefetch/config"
	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/fetcher"
	"github.com/use-agent/pagefetch/metrics"
	"github.com/use-agent/pagefetch/pdf"
	"github.com/use-agent/pagefetch/sites"
	"github.com/use-agent/pagefetch/transport"
	"github.com/use-agent/pagefetch/validator"
	"github.com/use-agent/pagefetch/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("pagefetch starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxSessions", cfg.Transport.MaxSessions,
	)
	metrics.Init()

	// ── 3. Session transport ────────────────────────────────────────
	preset, err := transport.ParsePreset(cfg.Transport.DefaultPreset)
	if err != nil {
		slog.Error("invalid default preset", "preset", cfg.Transport.DefaultPreset, "error", err)
		os.Exit(1)
	}
	tm := transport.NewManager(transport.Options{
		MaxSessions:      cfg.Transport.MaxSessions,
		MaxAge:           cfg.Transport.SessionMaxAge,
		DefaultPreset:    preset,
		DefaultProxy:     cfg.Transport.DefaultProxy,
		TrustedProxies:   cfg.Transport.TrustedProxies,
		DefaultTimeout:   cfg.Transport.DefaultTimeout,
		DNSTimeout:       cfg.Transport.DNSTimeout,
		MaxResponseBytes: cfg.Transport.MaxResponseBytes,
		HostRPS:          cfg.Transport.HostRPS,
		HostBurst:        cfg.Transport.HostBurst,
	})
	defer tm.CloseAll()

	// ── 4. Fetch pipeline ───────────────────────────────────────────
	registry, err := sites.Load(cfg.Fallback.SitesFile)
	if err != nil {
		slog.Error("failed to load site configuration", "file", cfg.Fallback.SitesFile, "error", err)
		os.Exit(1)
	}

	th := extract.Thresholds{
		Min:           cfg.Extract.MinContentLength,
		Good:          cfg.Extract.GoodContentLength,
		OverrideRatio: cfg.Extract.DensityOverrideRatio,
	}
	engine := extract.NewEngine(th, cfg.Extract.ExcerptLength)

	memory := fetcher.NewDomainMemory(cfg.Fallback.DomainMemoryTTL)
	defer memory.Stop()

	deps := fetcher.Deps{
		Transport: tm,
		Engine:    engine,
		Validator: validator.New(engine.Thresholds().Min),
		PDF:       pdf.New(cfg.Fallback.PDFMaxPages),
		Sites:     registry,
		Memory:    memory,
	}
	var breaker handler.BreakerReporter
	if cfg.Fallback.EnableArchive {
		mirror, err := archive.New(tm, archive.Options{Endpoint: cfg.Fallback.ArchiveEndpoint})
		if err != nil {
			slog.Error("failed to initialise archive mirror", "endpoint", cfg.Fallback.ArchiveEndpoint, "error", err)
			os.Exit(1)
		}
		deps.Archive = mirror
		breaker = mirror
	}
	f := fetcher.New(fetcher.OptionsFromConfig(cfg), deps)
	defer f.Close()

	// ── 5. Cache, batches, rate limiting ────────────────────────────
	cc := cache.New(cfg.Cache.MaxEntries)
	defer cc.Stop()
	batches := handler.NewBatches(cfg.Batch.JobTTL)
	rl := middleware.NewRateLimiter(cfg.RateLimit)
	defer rl.Stop()

	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		slog.Warn("auth enabled without API keys, the API is open")
	}

	// ── 6. Setup router ─────────────────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(cfg, api.Services{
		Fetcher:     f,
		Pool:        tm,
		Archive:     breaker,
		Cache:       cc,
		Batches:     batches,
		Notifier:    webhook.New(tm),
		RateLimiter: rl,
	}, startTime)

	// ── 7. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// In-flight requests get the longest fetch a client may ask for.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.MaxTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}
	batches.Stop()

	// Deferred calls release the session pool and background loops.
	slog.Info("pagefetch stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}
