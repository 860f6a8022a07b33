package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"threadline/api/internal/app"
	"threadline/api/internal/auth"
	"threadline/api/internal/config"
	"threadline/api/internal/media"
	"threadline/api/internal/presence"
	"threadline/api/internal/realtime"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	logger.Info().Strs("applied", applied).Msg("migrations completed")

	dataStore := store.NewPostgresStore(db)

	// Without Redis, presence and fan-out stay inside this process.
	var (
		registry presence.Registry = presence.NewMemoryRegistry()
		broker   realtime.Broker   = realtime.NewLocalBroker()
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err := presence.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		registry = presence.NewRedisRegistryWithClient(redisClient)
		broker = realtime.NewRedisBroker(redisClient, logger)
		logger.Info().Msg("connected to Redis")
	}
	defer broker.Close()

	hub := realtime.NewHub(logger)
	router := realtime.NewRouter(broker, logger)
	if err := router.Start(ctx, hub); err != nil {
		logger.Fatal().Err(err).Msg("event broker subscribe failed")
	}

	pgfts := search.NewPgFTS(db)
	var backend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		backend = meiliClient
	}
	searchService := search.NewService(backend, pgfts, logger)
	go searchService.ReindexFromPG(ctx, pgfts)

	deps := app.Deps{
		Events:   router,
		Presence: registry,
		Search:   searchService,
		Log:      logger,
	}
	presigner, err := media.NewPresigner(media.Options{
		Endpoint:      cfg.MediaEndpoint,
		AccessKey:     cfg.MediaAccessKey,
		SecretKey:     cfg.MediaSecretKey,
		Bucket:        cfg.MediaBucket,
		Region:        cfg.MediaRegion,
		UseSSL:        cfg.MediaUseSSL,
		PublicBaseURL: cfg.MediaPublicBaseURL,
		TTL:           cfg.MediaUploadTTL,
	})
	switch {
	case errors.Is(err, media.ErrNotConfigured):
		logger.Info().Msg("media uploads disabled")
	case err != nil:
		logger.Fatal().Err(err).Msg("media storage setup failed")
	default:
		if err := presigner.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.MediaBucket).Msg("media bucket check failed")
		}
		deps.Media = presigner
	}

	service := app.New(cfg, dataStore, deps)
	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	httpServer := app.NewHTTPServer(service, verifier, hub, cfg, logger)

	// No WriteTimeout: it would cut long-lived WebSocket connections.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("env", cfg.Env).
			Msg("starting threadline API")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("server stopped")
}
