package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/api"
	"github.com/courierhq/courier/internal/breaker"
	"github.com/courierhq/courier/internal/clients"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/events"
	"github.com/courierhq/courier/internal/mail"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/observ"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/redis"
	"github.com/courierhq/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier worker",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Connect to the backing stores with bounded retries so a restart
	// during an infra rollout does not crash-loop forever.
	database, err := connectDB(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	redisClient, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Repository and Redis-backed services
	repo := db.NewRepository(database, logger)

	limiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimitPerHour,
		Window: time.Hour,
	})

	tracker := redis.NewRedeliveryTracker(redisClient, logger)

	profileCache := redis.NewCache(redisClient, logger,
		time.Duration(cfg.UserCacheTTLSeconds)*time.Second)

	// Collaborator service clients
	clientCfg := clients.Config{
		Timeout:      time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		ServiceToken: cfg.ServiceToken,
	}
	users := clients.NewUsers(cfg.UserServiceURL, clientCfg, profileCache, logger)
	templates := clients.NewTemplates(cfg.TemplateServiceURL, clientCfg, logger)
	status := clients.NewStatus(cfg.StatusServiceURL, clientCfg, logger)

	// Mail transport with supervised retries behind a breaker
	mailer, err := mail.NewSESMailer(ctx, mail.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES mailer: %w", err)
	}

	supervisor := worker.NewSendSupervisor(mailer, worker.SupervisorConfig{
		MaxAttempts: cfg.MaxSendAttempts,
		BaseDelay:   time.Second,
	}, logger)

	sesBreaker := breaker.New(breaker.Config{
		Name:             "ses",
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  time.Duration(cfg.BreakerRecoverySeconds) * time.Second,
	}, logger)

	// Queue transport
	queueCfg := queue.Config{
		Region:         cfg.AWSRegion,
		QueueURL:       cfg.QueueURL,
		FailedQueueURL: cfg.FailedQueueURL,
	}

	consumer, err := queue.NewConsumer(ctx, queueCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create queue consumer: %w", err)
	}

	router, err := queue.NewDeadLetterRouter(ctx, queueCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create dead letter router: %w", err)
	}

	// Optional SNS fanout of terminal delivery events
	var eventPublisher worker.EventPublisher
	if cfg.EventsTopicARN != "" {
		publisher, err := events.NewPublisher(ctx, cfg.AWSRegion, cfg.EventsTopicARN, logger)
		if err != nil {
			logger.Warn("events publisher unavailable, fanout disabled", zap.Error(err))
		} else {
			eventPublisher = publisher
		}
	}

	dispatcher := worker.New(worker.Deps{
		Audit:        repo,
		Users:        users,
		Templates:    templates,
		Status:       status,
		Limiter:      limiter,
		Breaker:      sesBreaker,
		Redeliveries: tracker,
		Sender:       supervisor,
		DeadLetters:  router,
		Events:       eventPublisher,
	}, worker.Config{
		MaxRedeliveries: cfg.MaxRedeliveries,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		dispatcher.Run(workerCtx, consumer)
	}()

	logger.Info("dispatch worker started", zap.String("queue_url", cfg.QueueURL))

	// Operational HTTP surface
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	handler := api.NewHandler(logger, repo, limiter,
		[]api.BreakerReader{sesBreaker},
		database.Health, redisClient.Ping,
	)
	handler.Routes(r)

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop intake and let the in-flight message finish.
		workerCancel()
		select {
		case <-workerDone:
			logger.Info("dispatch worker drained")
		case <-time.After(30 * time.Second):
			logger.Warn("dispatch worker did not drain in time")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// connectDB dials Postgres with up to five attempts and doubling delays.
func connectDB(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	dbCfg := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	var database *db.DB
	err := withRetries(ctx, 5, time.Second, logger, "postgres", func() error {
		var derr error
		database, derr = db.New(ctx, dbCfg, logger)
		return derr
	})
	return database, err
}

// connectRedis dials Redis with the same bounded retry policy.
func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	redisCfg := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	var client *redis.Client
	err := withRetries(ctx, 5, time.Second, logger, "redis", func() error {
		var cerr error
		client, cerr = redis.New(ctx, redisCfg, logger)
		return cerr
	})
	return client, err
}

func withRetries(ctx context.Context, attempts int, delay time.Duration, logger *zap.Logger, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		logger.Warn("connection attempt failed, retrying",
			zap.String("target", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
