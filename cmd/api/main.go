package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"slidegen/internal/bootstrap"
	"slidegen/internal/generation"
	"slidegen/internal/http/handlers"
	httpapi "slidegen/internal/http/httpapi"
	"slidegen/internal/infra"
	"slidegen/internal/worker"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel, "slidegen-api")
	if err := cfg.RequireJWT(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{Hub: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise runtime")
	}
	defer rt.Close()

	runner := rt.Pipeline()
	deps := generation.Deps{
		Store:    rt.Store,
		Cache:    rt.Cache,
		Lessons:  rt.Lessons,
		Runner:   runner,
		Notifier: rt.Notifier,
		Logger:   &logger,
	}

	// The pool runs on its own context so in-flight jobs are requeued only
	// after the HTTP server has stopped accepting requests.
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()

	var pool *worker.Pool
	if cfg.Worker.Embedded {
		pool = worker.New(rt.Store, runner, cfg.Worker, logger)
		pool.Start(poolCtx)
		deps.Dispatcher = pool
		logger.Info().Int("size", cfg.Worker.PoolSize).Str("pool", pool.ID()).Msg("embedded worker pool started")
	} else if listener := rt.Listener(); listener != nil {
		go func() {
			if err := listener.Run(poolCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("job event listener stopped")
			}
		}()
	} else {
		logger.Warn().Msg("worker pool not embedded and NOTIFY_POSTGRES disabled, websocket progress relies on snapshots")
	}

	app := &handlers.App{
		Config:        cfg,
		Logger:        logger,
		Generation:    generation.NewService(deps, cfg.Pipeline),
		Hub:           rt.Hub,
		Assets:        rt.Assets,
		Store:         rt.Store,
		CountryLookup: rt.CountryLookup,
		JWTSecret:     cfg.JWTSecret,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router, logger)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	stopPool()
	if pool != nil {
		pool.Wait()
	}
	logger.Info().Msg("server stopped")
}
