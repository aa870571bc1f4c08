package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fluxreve-server/internal/adapter/repo"
	"fluxreve-server/internal/cache"
	"fluxreve-server/internal/http/handlers"
	"fluxreve-server/internal/http/httpapi"
	"fluxreve-server/internal/infra"
	"fluxreve-server/internal/infra/geoip"
	"fluxreve-server/internal/middleware"
	"fluxreve-server/internal/pricing"
	"fluxreve-server/internal/providers"
	"fluxreve-server/internal/quota"
	"fluxreve-server/internal/storage"
	"fluxreve-server/internal/task"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	wavespeed, err := providers.NewClient(providers.Options{
		APIKey:         cfg.WavespeedAPIKey,
		BaseURL:        cfg.WavespeedBaseURL,
		Logger:         &logger,
		RequestTimeout: cfg.ProviderTimeout,
		Retries:        cfg.ProviderRetries,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init provider client")
	}

	var store storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		store, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	} else {
		store, err = storage.NewFileStore(cfg.StoragePath, cfg.PublicBaseURL+"/static")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open geoip database")
	}
	var lookup middleware.CountryLookup
	if resolver != nil {
		lookup = resolver.CountryCode
	}

	redisCache := cache.New(cfg.RedisAddr, cfg.RedisPassword, logger)

	taskRepo := repo.NewTaskRepository(pool)
	quotaRepo := repo.NewQuotaRepository(pool)
	loraRepo := repo.NewLoraRepository(pool)
	userRepo := repo.NewUserRepository(pool)

	quotaSvc := quota.NewService(quotaRepo, logger)
	taskSvc := task.NewService(
		taskRepo,
		quotaSvc,
		pricing.NewRegistry(),
		wavespeed,
		wavespeed,
		redisCache,
		cfg.PublicBaseURL,
		cfg.ExploreCacheTTL,
		logger,
	)

	app := handlers.NewApp(taskSvc, quotaSvc, loraRepo, userRepo, store, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Log:                logger,
		JWTSecret:          cfg.JWTSecret,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMin,
		DefaultLocale:      "en",
		CountryLookup:      lookup,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
