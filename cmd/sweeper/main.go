// The sweeper fails and refunds tasks whose provider callback never arrived.
// It runs alongside the API as a separate process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fluxreve-server/internal/adapter/repo"
	"fluxreve-server/internal/infra"
	"fluxreve-server/internal/pricing"
	"fluxreve-server/internal/quota"
	"fluxreve-server/internal/task"
)

const sweepBatchSize = 100

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: db connection failed")
	}
	defer pool.Close()

	quotaSvc := quota.NewService(repo.NewQuotaRepository(pool), logger)
	taskSvc := task.NewService(
		repo.NewTaskRepository(pool),
		quotaSvc,
		pricing.NewRegistry(),
		nil,
		nil,
		nil,
		cfg.PublicBaseURL,
		cfg.ExploreCacheTTL,
		logger,
	)

	logger.Info().
		Dur("interval", cfg.SweepInterval).
		Dur("task_timeout", cfg.TaskTimeout).
		Msg("sweeper started")

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			swept, err := taskSvc.SweepStuck(ctx, cfg.TaskTimeout, sweepBatchSize)
			if err != nil {
				logger.Error().Err(err).Msg("sweep pass failed")
				continue
			}
			if swept > 0 {
				logger.Info().Int("swept", swept).Msg("timed out tasks failed and refunded")
			}
		}
	}
}
