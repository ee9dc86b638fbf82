// The reference image worker: consumes work units from the redis queue,
// applies transformations, writes results to object storage, and reports
// back to the orchestrator's callback API.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/objstore"
	"github.com/image-orchestrator/internal/queue"
	"github.com/image-orchestrator/internal/sysutil"
	"github.com/image-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if cfg.Redis.Addr == "" {
		log.Fatal().Msg("REDIS_ADDR is required for the worker")
	}
	if cfg.S3.Bucket == "" {
		log.Fatal().Msg("S3_BUCKET is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := queue.NewRedis(cfg.Redis, cfg.QueueName, cfg.DelayedSetName)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis connect failed")
	}
	defer q.Close()

	store, err := objstore.New(ctx, cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("object store setup failed")
	}

	base := sysutil.FirstNonEmpty(os.Getenv("ORCHESTRATOR_URL"), "http://localhost:"+cfg.Port)
	base = strings.TrimRight(base, "/") + cfg.APIBasePath

	w := &worker.Worker{
		Consumer:  q,
		Processor: &worker.Processor{Store: store},
		Reporter:  worker.NewHTTPReporter(base),
	}

	log.Info().Str("orchestrator", base).Str("queue", cfg.QueueName).Msg("worker running")
	w.Run(ctx)
	log.Info().Msg("worker stopped")
}
