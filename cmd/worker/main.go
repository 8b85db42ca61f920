package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"slidegen/internal/bootstrap"
	"slidegen/internal/infra"
	"slidegen/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel, "slidegen-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("worker: DATABASE_URL is required for a standalone worker")
	}

	rt, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{PublishPostgres: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to initialise runtime")
	}
	defer rt.Close()

	if !cfg.NotifyPostgres {
		logger.Warn().Msg("worker: NOTIFY_POSTGRES disabled, API websockets will not see progress from this process")
	}

	pool := worker.New(rt.Store, rt.Pipeline(), cfg.Worker, logger)
	pool.Start(ctx)
	logger.Info().Int("size", cfg.Worker.PoolSize).Str("pool", pool.ID()).Msg("worker: started")

	<-ctx.Done()
	pool.Wait()
	logger.Info().Msg("worker: stopped")
}
