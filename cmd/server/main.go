// The orchestrator server: receives inbound items from the chat-transport
// layer, batches media groups, enforces quotas, dispatches jobs to the
// worker queue, and correlates worker results back to users.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/correlate"
	"github.com/image-orchestrator/internal/dispatch"
	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/groups"
	httpapi "github.com/image-orchestrator/internal/http"
	"github.com/image-orchestrator/internal/objstore"
	"github.com/image-orchestrator/internal/observability"
	"github.com/image-orchestrator/internal/queue"
	"github.com/image-orchestrator/internal/quota"
	"github.com/image-orchestrator/internal/recovery"
	"github.com/image-orchestrator/internal/repo"
	"github.com/image-orchestrator/internal/sysutil"
	"github.com/image-orchestrator/internal/transport"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(c)
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Broker: redis when configured, in-process channel queue otherwise
	// (single-binary dev setups run the worker in the same process).
	var q queue.Queue
	if cfg.Redis.Addr != "" {
		rq, err := queue.NewRedis(cfg.Redis, cfg.QueueName, cfg.DelayedSetName)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis connect failed")
		}
		q = rq
	} else {
		log.Warn().Msg("REDIS_ADDR unset, using in-memory queue")
		q = queue.NewMemory(0)
	}
	defer q.Close()

	var notifier transport.Notifier = transport.LogNotifier{}
	if cfg.TransportWebhookURL != "" {
		notifier = transport.NewWebhook(cfg.TransportWebhookURL)
	}

	var resolver correlate.URLResolver
	if cfg.S3.Bucket != "" {
		store, err := objstore.New(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("object store setup failed")
		}
		resolver = store
	}

	ledger := quota.NewLedger(db)
	dispatcher := dispatch.New(db, ledger, q, notifier)
	correlator := correlate.New(db, q, notifier, resolver, cfg.Retry)

	aggregator := groups.New(cfg.Group, func(batch domain.Batch) {
		// Group flushes run on timer goroutines; bound each dispatch.
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		dispatcher.Submit(dctx, batch)
	})
	defer aggregator.Close()

	sweeper := recovery.New(db, q, notifier, cfg.Recovery)
	go sweeper.Run(ctx)

	router := gin.New()
	httpapi.RegisterRoutes(router, httpapi.Deps{
		DB:         db,
		Ledger:     ledger,
		Aggregator: aggregator,
		Dispatcher: dispatcher,
		Correlator: correlator,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
