package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/auth"
	"github.com/payready/knowledge-api/internal/cache"
	"github.com/payready/knowledge-api/internal/config"
	"github.com/payready/knowledge-api/internal/httpapi"
	"github.com/payready/knowledge-api/internal/knowledge"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/remote"
	"github.com/payready/knowledge-api/internal/scheduler"
	"github.com/payready/knowledge-api/internal/store"
	"github.com/payready/knowledge-api/internal/store/postgres"
	"github.com/payready/knowledge-api/internal/store/sqlite"
	"github.com/payready/knowledge-api/internal/versioner"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "knowledge-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Dev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Store backend
	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		st, err = postgres.Open(ctx, cfg.DatabaseURL)
	default:
		st, err = sqlite.Open(cfg.SQLitePath)
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}

	// Cache backend
	var c cache.Cache
	if cfg.RedisURL != "" {
		c, err = cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		log.Info().Msg("using redis cache")
	} else {
		c = cache.NewMemory()
	}

	v := versioner.New(st)
	mgr := manager.New(st, v, c, cfg.CacheTTL)

	// Warm the foundational cache before serving traffic.
	if err := mgr.RefreshCache(ctx); err != nil {
		log.Warn().Err(err).Msg("initial cache warm failed")
	}

	// Remote sync + scheduler
	client := remote.NewClient(cfg.AirtableAPIKey, cfg.AirtableBaseID, "")
	syncer := remote.NewSyncer(client, mgr, st, parseTables(cfg.AirtableTables), knowledge.StrategyAuto)
	sched := scheduler.New(syncer, mgr, scheduler.Config{
		Interval:               cfg.SyncInterval,
		FullSyncCron:           cfg.FullSyncCron,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		AutoSyncEnabled:        cfg.AutoSyncEnabled,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	// HTTP server setup
	var limiter *httpapi.Limiter
	if cfg.RateLimitEnabled {
		limiter = httpapi.NewLimiter(httpapi.DefaultLimits(cfg.RateLimitPerMinute))
	}
	srv := &httpapi.Server{
		Manager:   mgr,
		Scheduler: sched,
		Auth: auth.Config{
			HS256Secret: cfg.JWTHS256Secret,
			AdminToken:  cfg.AdminBearerToken,
			DevMode:     cfg.Dev(),
		},
		Limiter: limiter,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Reverse dependency order: edge, scheduler, cache, store.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("cache close error")
	}
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close error")
	}

	log.Info().Msg("server stopped")
}

// parseTables reads "Table:tier,Table:tier" pairs from configuration.
func parseTables(raw string) []remote.TableConfig {
	var tables []remote.TableConfig
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, tier, _ := strings.Cut(pair, ":")
		cls := knowledge.Classification(strings.ToLower(tier))
		if !cls.Valid() {
			cls = knowledge.ClassificationStrategic
		}
		tables = append(tables, remote.TableConfig{Name: name, Tier: cls})
	}
	if len(tables) == 0 {
		tables = []remote.TableConfig{
			{Name: "StrategicKnowledge", Tier: knowledge.ClassificationFoundational},
			{Name: "StrategicInitiatives", Tier: knowledge.ClassificationStrategic},
		}
	}
	return tables
}
