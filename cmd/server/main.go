package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/api"
	"github.com/bumpxchange/exchange-server/internal/config"
	"github.com/bumpxchange/exchange-server/internal/database"
	"github.com/bumpxchange/exchange-server/internal/handler"
	"github.com/bumpxchange/exchange-server/internal/jobs"
	"github.com/bumpxchange/exchange-server/internal/metrics"
	"github.com/bumpxchange/exchange-server/internal/middleware"
	"github.com/bumpxchange/exchange-server/internal/profile"
	"github.com/bumpxchange/exchange-server/internal/redis"
	"github.com/bumpxchange/exchange-server/internal/repository"
	"github.com/bumpxchange/exchange-server/internal/service"
	"github.com/bumpxchange/exchange-server/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	storeOpts := repository.StoreOptions{
		MatchRetention: cfg.MatchRetention(),
		HitRetention:   cfg.HitRetention(),
	}

	var (
		redisClient *redis.Client
		store       repository.ExchangeStore
		limiter     service.Limiter
	)
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		store = repository.NewRedisStore(redisClient, storeOpts)
		limiter = service.NewRateLimiter(redisClient.Client)
	} else {
		store = repository.NewMemoryStore(storeOpts)
		limiter = service.NewMemoryRateLimiter()
	}
	defer store.Close()

	profiles := newProfileBackend(cfg)
	defer profiles.close()

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	exchangeService := service.NewExchangeService(store, profiles.fetcher, broker, m, service.ExchangeOptions{
		SessionTTL: cfg.SessionTTL(),
		Correlator: service.CorrelatorOptions{
			Window:       cfg.MatchWindow(),
			MinMagnitude: cfg.HitMinMagnitude,
		},
	})

	initiateLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.InitiateRateLimitPerMin, time.Minute, "initiate")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.HSTSEnabled)

	eventsHandler := handler.NewEventsHandler(broker, exchangeService)
	exchangeHandler := handler.NewExchangeHandler(exchangeService, initiateLimit.Handler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewCORS(cfg.CORSAllowedOrigins))
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if !profiles.healthy(r.Context()) || (redisClient != nil && !redisClient.Healthy(r.Context())) {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"store":     storeKind(redisClient),
			"profiles":  cfg.ProfileBackend,
			"timestamp": time.Now().UnixMilli(),
		})
	})

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Event streams stay open for the life of a session and must not be
	// cut by the request timeout.
	r.Route(api.BasePath, func(r chi.Router) {
		r.Get("/events/{sessionId}", eventsHandler.ServeHTTP)
		r.With(chimiddleware.Timeout(config.ServerRequestTimeout)).Mount("/", exchangeHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(store, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("store", storeKind(redisClient)).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

type profileBackend struct {
	fetcher profile.Fetcher
	healthy func(ctx context.Context) bool
	close   func()
}

func newProfileBackend(cfg *config.Config) profileBackend {
	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()

	switch cfg.ProfileBackend {
	case config.ProfileBackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load aws config")
		}
		log.Info().Str("table", cfg.ProfileTable).Msg("using dynamodb profile store")
		return profileBackend{
			fetcher: profile.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.ProfileTable),
			healthy: func(context.Context) bool { return true },
			close:   func() {},
		}

	default:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}

		store := profile.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare profile schema")
		}
		log.Info().Msg("database connected")
		return profileBackend{
			fetcher: store,
			healthy: db.Healthy,
			close:   func() { db.Close() },
		}
	}
}

func storeKind(redisClient *redis.Client) string {
	if redisClient != nil {
		return "redis"
	}
	return "memory"
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
