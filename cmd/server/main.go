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

	"bricksync/config"
	"bricksync/internal/api"
	"bricksync/internal/broker"
	"bricksync/internal/marketplace"
	"bricksync/internal/models"
	"bricksync/internal/ratelimit"
	"bricksync/internal/redisclient"
	"bricksync/internal/service"
	"bricksync/internal/store"
	"bricksync/internal/upstream"
	"bricksync/internal/util"
	"bricksync/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting bricksync service")

	tp, err := util.InitTracer("bricksync", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicInventory)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	limiter := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		models.ProviderBricklink: {
			Capacity: cfg.Bricklink.RateCapacity,
			Window:   time.Duration(cfg.Bricklink.RateWindowSeconds) * time.Second,
		},
		models.ProviderBrickowl: {
			Capacity: cfg.Brickowl.RateCapacity,
			Window:   time.Duration(cfg.Brickowl.RateWindowSeconds) * time.Second,
		},
	}, ratelimit.WithAlertFunc(func(provider, bucket string, remaining, capacity int, resetAt time.Time) {
		event := &models.QuotaAlertEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeQuotaAlert,
				Timestamp: time.Now().UTC(),
			},
			Provider:  provider,
			Bucket:    bucket,
			Remaining: remaining,
			Capacity:  capacity,
			ResetAt:   resetAt,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eventPublisher.PublishQuotaAlert(ctx, event); err != nil {
			logger.Warn("Failed to publish quota alert")
		}
	}))

	executor := upstream.NewExecutor(limiter)

	credStore := marketplace.NewStaticCredentialStore(
		marketplace.Credentials{
			ConsumerKey:    cfg.Bricklink.ConsumerKey,
			ConsumerSecret: cfg.Bricklink.ConsumerSecret,
			Token:          cfg.Bricklink.Token,
			TokenSecret:    cfg.Bricklink.TokenSecret,
		},
		marketplace.Credentials{APIKey: cfg.Brickowl.APIKey},
	)

	clients := buildClients(credStore, cfg, executor)
	if len(clients) == 0 {
		log.Println("No marketplace credentials configured; sync worker will fail entries")
	}

	lockTTL := time.Duration(cfg.Worker.ItemLockTTLSeconds) * time.Second
	idemTTL := time.Duration(cfg.Worker.IdempotencyTTLHours) * time.Hour
	inventoryService := service.NewInventoryService(db, eventPublisher, redisClient, redisClient, lockTTL, idemTTL)
	undoService := service.NewUndoService(db, eventPublisher, redisClient, redisClient, nil, lockTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	syncWorker := worker.NewSyncWorker(db, clients, eventPublisher, nil, worker.SyncWorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		Backoff: upstream.RetryPolicy{
			MaxAttempts: cfg.Worker.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Worker.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Worker.MaxDelayMs) * time.Millisecond,
			Multiplier:  2,
		},
		Retention:  time.Duration(cfg.Worker.RetentionHours) * time.Hour,
		GCInterval: time.Duration(cfg.Worker.GCIntervalMinutes) * time.Minute,
	})
	syncWorker.Start(workerCtx)

	orderConsumer := worker.NewOrderConsumer(db, eventPublisher)
	eventHandler := broker.NewEventHandler()
	eventHandler.OnMarketplaceOrder(orderConsumer.HandleOrderEvent)

	ordersConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.ConsumerGroup)
	defer ordersConsumer.Close()
	go func() {
		if err := ordersConsumer.StartConsuming(workerCtx, eventHandler.HandleMessage); err != nil && workerCtx.Err() == nil {
			log.Printf("Order consumer error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(inventoryService, undoService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	syncWorker.Wait()

	log.Println("Server exited")
}

// buildClients creates one marketplace client per provider with configured
// credentials. A provider without credentials is skipped rather than fatal;
// its outbox entries fail and can be re-armed once credentials arrive.
func buildClients(credStore marketplace.CredentialStore, cfg *config.Config, executor *upstream.Executor) []marketplace.Client {
	ctx := context.Background()
	var clients []marketplace.Client

	if creds, err := credStore.GetCredentials(ctx, 0, models.ProviderBricklink); err == nil {
		client, err := marketplace.NewBricklinkClient(&marketplace.BricklinkConfig{
			BaseURL:        cfg.Bricklink.BaseURL,
			ConsumerKey:    creds.ConsumerKey,
			ConsumerSecret: creds.ConsumerSecret,
			Token:          creds.Token,
			TokenSecret:    creds.TokenSecret,
		}, executor)
		if err != nil {
			log.Printf("Skipping bricklink client: %v", err)
		} else {
			clients = append(clients, client)
		}
	}

	if creds, err := credStore.GetCredentials(ctx, 0, models.ProviderBrickowl); err == nil {
		client, err := marketplace.NewBrickowlClient(&marketplace.BrickowlConfig{
			BaseURL: cfg.Brickowl.BaseURL,
			APIKey:  creds.APIKey,
		}, executor)
		if err != nil {
			log.Printf("Skipping brickowl client: %v", err)
		} else {
			clients = append(clients, client)
		}
	}

	return clients
}
