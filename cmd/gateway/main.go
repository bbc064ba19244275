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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/teguhsant/pasarwa/internal/api"
	"github.com/teguhsant/pasarwa/internal/config"
	"github.com/teguhsant/pasarwa/internal/db"
	"github.com/teguhsant/pasarwa/internal/digest"
	"github.com/teguhsant/pasarwa/internal/dispatch"
	"github.com/teguhsant/pasarwa/internal/jobs"
	"github.com/teguhsant/pasarwa/internal/metrics"
	"github.com/teguhsant/pasarwa/internal/notify"
	"github.com/teguhsant/pasarwa/internal/observ"
	"github.com/teguhsant/pasarwa/internal/queue"
	"github.com/teguhsant/pasarwa/internal/redis"
	"github.com/teguhsant/pasarwa/internal/sqs"
	"github.com/teguhsant/pasarwa/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pasarwa gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis carries the priority lanes, uniqueness locks, and the shared
	// outbound rate budget. Unlike the database it is not optional.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Inbound event hand-off to the conversational flow router.
	var dispatcher webhook.Dispatcher
	if cfg.SQSQueueURL != "" {
		publisher, err := sqs.NewPublisher(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs unavailable, falling back to log dispatcher",
				zap.Error(err),
			)
			dispatcher = dispatch.NewLogDispatcher(logger)
		} else {
			dispatcher = dispatch.NewSQSDispatcher(publisher, logger)
		}
	} else {
		dispatcher = dispatch.NewLogDispatcher(logger)
	}

	// Outbound send path: quiet hours and the rate budget both gate the
	// vendor call.
	waClient := notify.NewWAClient(notify.WAConfig{
		BaseURL:       cfg.WAAPIBaseURL,
		PhoneNumberID: cfg.WAPhoneNumberID,
		AccessToken:   cfg.WAAccessToken,
		Timeout:       cfg.WARequestTimeout,
	}, logger)

	quiet := notify.NewQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd, cfg.QuietHoursExempt)
	budget := notify.NewRateBudget(redisClient, logger, notify.BudgetConfig{
		PerSecond: cfg.RatePerSecond,
		PerMinute: cfg.RatePerMinute,
	})
	sender := notify.NewSender(waClient, quiet, budget, logger)

	q := queue.New(redisClient, logger, queue.Config{
		UniqueLockTTL: cfg.UniqueLockTTL,
		ClaimLeaseTTL: cfg.ClaimLeaseTTL,
	})

	executor := jobs.NewExecutor(repo, sender, digest.Options{
		PreviewLimit: cfg.DigestPreviewLimit,
		TruncateAt:   cfg.DigestTruncateAt,
	}, logger)

	worker := jobs.New(q, executor, jobs.Config{
		MaxAttempts:   cfg.MaxAttempts,
		Backoff:       cfg.Backoff,
		RetryDeadline: cfg.RetryDeadline,
		PollInterval:  cfg.PollInterval,
		WorkerCount:   cfg.WorkerCount,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go worker.Start(workerCtx)
	logger.Info("queue workers started", zap.Int("count", cfg.WorkerCount))

	// Admin API rate limiting (separate concern from the outbound budget).
	apiLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,
		Window: 1 * time.Minute,
	})

	webhookHandler := webhook.NewHandler(webhook.Config{
		VerifyToken:   cfg.WAVerifyToken,
		AppSecret:     cfg.WAAppSecret,
		SkipSignature: cfg.WASkipSignature,
		Production:    cfg.IsProduction(),
	}, dispatcher, logger)

	apiHandler := api.NewHandler(logger, repo, q)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// Vendor webhook routes are public; security is the signature check.
	webhookHandler.RegisterRoutes(r)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.RecipientKeyFunc))

		r.Post("/notifications", apiHandler.CreateNotification)
		r.Get("/batches", apiHandler.ListBatches)
		r.Get("/batches/{id}", apiHandler.GetBatch)

		// Dead Letter Queue routes
		r.Get("/dlq", apiHandler.ListDeadLetterQueue)
		r.Get("/dlq/{id}", apiHandler.GetDeadLetterItem)
		r.Post("/dlq/{id}/retry", apiHandler.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", apiHandler.DiscardDeadLetterItem)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

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
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
