package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/application/webhook_handlers"
	"archie-core-clover-layer/internal/config"
	"archie-core-clover-layer/internal/infrastructure/api"
	"archie-core-clover-layer/internal/infrastructure/cache"
	"archie-core-clover-layer/internal/infrastructure/clover"
	"archie-core-clover-layer/internal/infrastructure/encryption"
	"archie-core-clover-layer/internal/infrastructure/messaging"
	"archie-core-clover-layer/internal/infrastructure/metrics"
	"archie-core-clover-layer/internal/infrastructure/pubsub"
	"archie-core-clover-layer/internal/infrastructure/repository"
	"archie-core-clover-layer/internal/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg(".env file not found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RegisterDefault()

	// Connect to MongoDB
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.MongoDatabase)

	// Connect to Postgres
	pg, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open Postgres")
	}
	defer pg.Close()
	pg.SetMaxOpenConns(10)
	pg.SetMaxIdleConns(5)
	pg.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := pg.PingContext(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to reach Postgres")
	}
	cancel()

	encryptionService, err := encryption.NewService(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}

	// Initialize repositories
	mongoRepo := repository.NewMongoRepository(db, encryptionService)
	if err := mongoRepo.EnsureIndexes(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MongoDB indexes")
	}
	probe := repository.NewColumnProbe(pg)
	catalogRepo := repository.NewPostgresCatalogRepository(pg, probe, logger)
	orderRepo := repository.NewPostgresOrderRepository(pg, probe, logger)

	var processed ports.IdempotencyStore = cache.NewMemoryIdempotencyStore()
	if cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedisIdempotencyStore(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, webhook dedup markers kept in memory")
		} else {
			defer redisStore.Close()
			processed = redisStore
		}
	}

	// Integration events: always in-process, Kafka when configured
	eventBus := pubsub.NewEventBus(logger)
	sinks := []ports.EventPublisher{eventBus}
	var kafkaPublisher *messaging.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher = messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, 256, logger)
		kafkaPublisher.Start(ctx)
		sinks = append(sinks, kafkaPublisher)
	}
	events := messaging.NewFanout(sinks...)

	// Platform clients
	rateLimiter := clover.NewRateLimiter(cfg.CloverRequestsPerSecond, cfg.CloverBurst, logger)
	posClient := clover.NewClientWithOptions(cfg.CloverAPIBase, nil, rateLimiter, clover.DefaultRetryConfig(), logger)
	oauthClient := clover.NewOAuthClient(cfg.CloverOAuthBase, cfg.CloverClientID, cfg.CloverClientSecret, cfg.RedirectURI(), logger)

	// Initialize application services
	recorder := metrics.Recorder{}
	tokenManager := application.NewTokenManager(mongoRepo, oauthClient, recorder, logger)
	orderTypes := application.NewOrderTypeService(posClient, mongoRepo, application.DefaultOrderTypeAliases, logger)
	syncService := application.NewCatalogSyncService(mongoRepo, catalogRepo, posClient, tokenManager, orderTypes, events, recorder, logger)
	localOrders := application.NewLocalOrderService(orderRepo, cfg.OrderMatchWindow, logger)
	connectService := application.NewConnectService(mongoRepo, mongoRepo, oauthClient, tokenManager, orderTypes, cfg.OAuthStateSecret, cfg.ReturnHosts(), logger)
	refreshJob := application.NewTokenRefreshJob(mongoRepo, tokenManager, cfg.TokenRefreshWindow, logger)

	// Initialize webhook dispatcher and register handlers
	webhookDispatcher := application.NewWebhookDispatcher(logger)
	webhookDispatcher.RegisterHandler(webhook_handlers.NewPaymentHandler(posClient, orderTypes, localOrders, logger))
	webhookDispatcher.RegisterHandler(webhook_handlers.NewAppHandler(mongoRepo, logger))
	webhookService := application.NewWebhookService(mongoRepo, tokenManager, webhookDispatcher, processed, mongoRepo, events, recorder, cfg.WebhookSecret, logger)

	if cfg.TokenRefreshInterval > 0 {
		go refreshJob.Every(ctx, cfg.TokenRefreshInterval)
		logger.Info().Dur("interval", cfg.TokenRefreshInterval).Msg("Scheduled batch token refresh")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(api.SecurityHeadersMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	r.Get("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, "./docs/swagger.json")
	})

	syncHandler := api.SyncHandler(syncService, logger)
	r.Post("/sync", syncHandler)
	r.Get("/sync", syncHandler)

	r.HandleFunc("/webhook", api.WebhookHandler(webhookService, logger))

	r.Get("/oauth/start", api.OAuthStartHandler(connectService, logger))
	r.Get("/oauth/callback", api.OAuthCallbackHandler(connectService, logger))

	r.Post("/tokens/refresh", api.TokenRefreshHandler(refreshJob, cfg.CronSecret, logger))
	r.Get("/events", api.EventsHandler(eventBus, logger))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Starting API server")
		logger.Info().Msg("Swagger documentation available at http://localhost:" + cfg.Port + "/swagger/index.html")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if kafkaPublisher != nil {
		kafkaPublisher.WaitClosed()
	}
}
