package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farm-marketplace/config"
	"farm-marketplace/internal/api"
	"farm-marketplace/internal/broker"
	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/redisclient"
	"farm-marketplace/internal/service"
	"farm-marketplace/internal/util"
	"farm-marketplace/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()
	models.UseNumericAmounts()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting farm marketplace")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	// changes made by other instances reach local subscribers through Redis
	hub := docstore.NewHub(docstore.WithFeed(redisClient.ChangeFeed(redisclient.ChannelDocChanges)))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go func() {
		if err := hub.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			logger.Error("Change feed listener stopped", zap.Error(err))
		}
	}()

	store, storeCheck, closeStore := openStore(cfg, hub, logger)
	defer closeStore()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	orderService := service.NewOrderService(store, eventPublisher,
		service.WithStrictTransitions(cfg.Business.StrictTransitions),
		service.WithIdempotency(redisClient),
	)
	productService := service.NewProductService(store)
	authService := service.NewAuthService(store, cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.AccessTokenTTLMinutes)*time.Minute,
		time.Duration(cfg.Auth.ExchangeTokenTTLMinutes)*time.Minute,
	)
	reconciler := service.NewReconciler(store, redisClient,
		service.WithRetry(200*time.Millisecond, time.Duration(cfg.Business.ReconcileMaxElapsedSeconds)*time.Second),
	)

	mirrorConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	mirrorWorker := worker.NewMirrorWorker(mirrorConsumer, reconciler,
		time.Duration(cfg.Business.ReconcileIntervalSeconds)*time.Second)
	go func() {
		if err := mirrorWorker.Start(bgCtx); err != nil && bgCtx.Err() == nil {
			logger.Error("Mirror worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, productService, authService, map[string]api.Pinger{
		"store": storeCheck,
		"redis": redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	bgCancel()
	if err := mirrorWorker.Stop(); err != nil {
		logger.Warn("Failed to stop mirror worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// openStore connects the document store backend selected by STORE_DRIVER
func openStore(cfg *config.Config, hub *docstore.Hub, logger *zap.Logger) (docstore.Store, api.Pinger, func()) {
	switch cfg.Store.Driver {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := docstore.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, hub)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure document indexes", zap.Error(err))
		}
		logger.Info("MongoDB connected", zap.String("database", cfg.Mongo.Database))
		return s, s, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Close(ctx)
		}

	case "memory":
		logger.Warn("Using in-memory document store; data is lost on restart")
		return docstore.NewMemory(hub), pingFunc(func(context.Context) error { return nil }), func() {}

	default:
		s, err := docstore.NewPostgres(cfg.Database.URL, hub)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate document store", zap.Error(err))
		}
		logger.Info("Database connected")
		return s, s, func() { _ = s.Close() }
	}
}
