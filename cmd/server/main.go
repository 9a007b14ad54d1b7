// Studio control plane — reservation lifecycle, agent commerce, and the
// lending library for a shared pottery studio.
//
// Zero-config start runs on the in-memory store; DATABASE_URL switches to
// PostgreSQL, REDIS_URL switches to shared rate buckets.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mudflat/studio/control-plane/internal/agentcommerce"
	"github.com/mudflat/studio/control-plane/internal/api"
	"github.com/mudflat/studio/control-plane/internal/audit"
	"github.com/mudflat/studio/control-plane/internal/config"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/library"
	"github.com/mudflat/studio/control-plane/internal/rateguard"
	"github.com/mudflat/studio/control-plane/internal/reservations"
	"github.com/mudflat/studio/control-plane/internal/stations"
	"github.com/mudflat/studio/control-plane/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	_ = godotenv.Load()
	cfg := config.Load()

	log.Info().Str("version", cfg.Version).Msg("🏺 Studio control plane starting...")

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer shutdownTelemetry(ctx)

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open document store")
	}
	defer store.Close()

	buckets, closeBuckets, err := openBuckets(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open rate buckets")
	}
	defer closeBuckets()

	guard := rateguard.New(buckets, store, rateguard.Config{
		AutoCooldownOnRateLimit: cfg.AutoCooldownOnRateLimit,
		AutoCooldownMinutes:     cfg.AutoCooldownMinutes,
	})

	emitter := audit.New(store)
	registry := stations.NewRegistry(nil)

	resEngine := reservations.New(store, registry, emitter)
	agentEngine := agentcommerce.New(store, emitter, agentcommerce.NewCatalog(0), cfg.TermsVersion)
	libEngine := library.New(store, emitter, identity.ParsePhase(cfg.RolloutPhase))

	srv := api.NewServer(cfg, resEngine, agentEngine, libEngine, guard, store.Ping)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.NewRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Str("rolloutPhase", cfg.RolloutPhase).
		Msg("🔥 Studio control plane is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	if cfg.Database.URL != "" {
		log.Info().Msg("Using PostgreSQL document store")
		return docstore.NewPgxStore(ctx, poolURL(cfg.Database))
	}
	log.Info().Str("dataDir", cfg.DataDir).Msg("Using in-memory document store")
	return docstore.NewMemoryStore(cfg.DataDir), nil
}

// poolURL threads the max-connections setting into the pgxpool conn string.
func poolURL(db config.DatabaseConfig) string {
	if db.MaxConnections <= 0 || strings.Contains(db.URL, "pool_max_conns") {
		return db.URL
	}
	sep := "?"
	if strings.Contains(db.URL, "?") {
		sep = "&"
	}
	return db.URL + sep + "pool_max_conns=" + strconv.Itoa(db.MaxConnections)
}

func openBuckets(cfg *config.Config) (rateguard.Buckets, func(), error) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		log.Info().Msg("Using redis rate buckets")
		return rateguard.NewRedisBuckets(client, "studio"), func() { client.Close() }, nil
	}
	mem := rateguard.NewMemoryBuckets()
	return mem, mem.Close, nil
}
