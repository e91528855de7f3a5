/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, the distributed lock
 * coordinator, the outbox dispatcher, repositories, the core application
 * service, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the distributed lock.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/customerclient, pkg/fxclient, pkg/riskclient: External service clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-service/internal/api"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/customerclient"
	"github.com/transfa/transfer-service/pkg/fxclient"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"github.com/transfa/transfer-service/pkg/riskclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Redis backs the daily-limit lock, which is correctness-critical: without
	// it two replicas could both pass the limit check. Refuse to start without it.
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis url must be configured\" env=REDIS_URL")
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
		cancelPing()
		log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", pingErr)
	}
	cancelPing()
	defer redisClient.Close()
	log.Println("level=info component=bootstrap msg=\"redis connected\"")

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// External service clients.
	customerClient := customerclient.NewClient(cfg.CustomerServiceURL, cfg.CustomerServiceKey)
	fxClient := fxclient.NewClient(cfg.FXServiceURL)
	riskClient := riskclient.NewClient(cfg.RiskServiceURL, riskclient.Policy(cfg.RiskCheckPolicy))

	lockCoordinator := app.NewRedisLockCoordinator(
		redisClient,
		cfg.RedisLockPrefix,
		cfg.LockRetryAttempts,
		time.Duration(cfg.LockRetryDelayMillis)*time.Millisecond,
	)

	// Initialize the core application service with its dependencies.
	transferService := app.NewService(repository, customerClient, fxClient, riskClient, lockCoordinator, app.Rules{
		BaseCurrency:        cfg.BaseCurrency,
		DailyTransferLimit:  cfg.DailyTransferLimit,
		BaseFee:             cfg.TransferBaseFee,
		FeePercentage:       cfg.TransferFeePercent,
		HighAmountThreshold: cfg.HighAmountThreshold,
		ApprovalWaitMinutes: cfg.ApprovalWaitMinutes,
		LockHold:            time.Duration(cfg.LockTTLSeconds) * time.Second,
	})

	// The outbox dispatcher owns delivery to the broker; event writes commit
	// with the transfer rows and survive a broker outage.
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	dispatcher := app.NewOutboxDispatcher(
		repository,
		cfg.RabbitMQURL,
		cfg.EventsExchange,
		cfg.OutboxBatchSize,
		time.Duration(cfg.OutboxPollMillis)*time.Millisecond,
		cfg.OutboxMaxAttempts,
	)
	go dispatcher.Run(dispatcherCtx)

	// Consume customer lifecycle events so blocked or deleted customers get
	// their pending transfers swept.
	customerConsumer := app.NewCustomerEventConsumer(transferService)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; customer event sweeps disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		customerBindings := map[string]func([]byte) bool{
			"customer.created":        customerConsumer.HandleCreated,
			"customer.status.changed": customerConsumer.HandleStatusChanged,
			"customer.deleted":        customerConsumer.HandleDeleted,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.CustomerEventQueue, customerBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"customer consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"customer event consumer started\"")
	}

	// Periodic reporting of stuck outbox records and stale pending transfers.
	scheduler := app.NewScheduler(repository, cfg.OutboxMaxAttempts, time.Duration(cfg.StalePendingMinutes)*time.Minute)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}
	defer scheduler.Stop()

	// Set up the HTTP router and start the server.
	handlers := api.NewHandlers(transferService)
	router := api.NewRouter(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	stopDispatcher()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
