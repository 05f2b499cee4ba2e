package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/cache"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/database"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/handlers"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/middleware"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/queue"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/services"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/pkg/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Bus Ticket Booking seat reservation service")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := database.Migrate(migrateCtx, db.DB, logger); err != nil {
			cancel()
			logger.Fatalf("Failed to migrate database: %v", err)
		}
		cancel()
	}

	// Redis is optional: without it locks and caches stay in this process
	redisClient := cache.NewRedisClient(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	cacheStore := cache.NewStore(redisClient)

	var lockStore services.LockStore
	if redisClient != nil {
		lockStore = services.NewRedisLockStore(redisClient)
		logger.Info("Seat locks stored in redis")
	} else {
		lockStore = services.NewMemoryLockStore()
		logger.Warn("REDIS_ADDR not set: seat locks are local to this instance")
	}

	// RabbitMQ is optional: without it payment outcomes reach local clients only
	var publisher services.EventPublisher
	var amqpPublisher *queue.Publisher
	if cfg.RabbitMQ.URL != "" {
		amqpPublisher, err = queue.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, payment events stay local")
		} else {
			publisher = amqpPublisher
			defer amqpPublisher.Close()
		}
	}

	// Initialize repositories
	logger.Info("Initializing repositories...")
	settingRepo := database.NewSystemSettingRepository(db.DB)
	tripSeatRepo := database.NewTripSeatRepository(db.DB)
	bookingRepo := database.NewBookingGroupRepository(db.DB)
	lockAuditRepo := database.NewSeatLockAuditRepository(db.DB)
	sessionRepo := database.NewPaymentSessionRepository(db.DB)
	paymentAuditRepo := database.NewPaymentAuditRepository(db.DB, logger)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	configStore := services.NewConfigStore(settingRepo, cacheStore, cfg.Booking, logger)
	lockManager := services.NewSeatLockManager(lockStore, tripSeatRepo, bookingRepo, lockAuditRepo, configStore, logger)
	ticketIssuer := services.NewPDFTicketIssuer(cfg.Ticket, logger)
	orchestrator := services.NewBookingOrchestratorService(
		bookingRepo,
		lockManager,
		tripSeatRepo,
		configStore,
		ticketIssuer,
		publisher,
		cfg.Payment.Currency,
		logger,
	)
	notifier := services.NewPaymentNotifier(logger)
	gateway := services.NewPayOSService(&cfg.Payment, logger)
	reconciler := services.NewPaymentReconcilerService(
		bookingRepo,
		orchestrator,
		sessionRepo,
		paymentAuditRepo,
		gateway,
		publisher,
		notifier,
		logger,
	)
	orchestrator.SetClosedListener(reconciler)
	refundPolicy := services.NewRefundPolicy(bookingRepo, tripSeatRepo, configStore)
	limiter := services.NewRateLimitService(redisClient, cfg.RateLimit)
	cronService := services.NewCronService(cfg.Jobs, lockManager, reconciler, orchestrator, logger)

	// Every instance consumes outcomes so its own SSE clients hear about them
	rootCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	if amqpPublisher != nil {
		consumer := queue.NewPaymentConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, notifier.Deliver, logger)
		go consumer.Run(rootCtx)
	}

	if cfg.Jobs.Enabled {
		if err := cronService.Start(); err != nil {
			logger.Fatalf("Failed to start cron service: %v", err)
		}
	}

	// Initialize handlers
	tripSeatHandler := handlers.NewTripSeatHandler(lockManager, logger)
	bookingHandler := handlers.NewBookingOrchestratorHandler(lockManager, orchestrator, refundPolicy, cacheStore, logger)
	paymentHandler := handlers.NewPaymentHandler(reconciler, notifier, orchestrator, logger)
	settingsHandler := handlers.NewSettingsHandler(configStore, logger)
	adminHandler := handlers.NewAdminHandler(cronService, lockAuditRepo, paymentAuditRepo, settingRepo, logger)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", "X-Cache", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db, redisClient))

	v1 := router.Group("/api/v1")
	optionalAuth := middleware.OptionalAuthMiddleware(jwtService)
	adminOnly := []gin.HandlerFunc{middleware.AuthMiddleware(jwtService), middleware.RequireRole("admin")}

	// Seat map
	v1.GET("/trips/:tripId/seats",
		middleware.CacheSeatList(cacheStore, cfg.Booking.SeatListCacheTTL, logger),
		tripSeatHandler.GetTripSeats)

	// Seat locks and booking groups
	bookings := v1.Group("/bookings", optionalAuth)
	{
		bookings.POST("/lock", middleware.LockRateLimit(limiter, logger), bookingHandler.LockSeat)
		bookings.POST("/unlock", bookingHandler.UnlockSeat)
		bookings.POST("/renew", bookingHandler.RenewSeat)
		bookings.POST("", bookingHandler.CreateBooking)
		bookings.GET("/:groupId", bookingHandler.GetBooking)
		bookings.POST("/:groupId/cancel", bookingHandler.CancelBooking)
		bookings.GET("/:groupId/refund-quote", bookingHandler.GetRefundQuote)
	}

	// Payments
	payments := v1.Group("/payments")
	{
		payments.POST("/create", optionalAuth, paymentHandler.CreatePayment)
		payments.POST("/webhook", paymentHandler.PaymentWebhook)
		payments.GET("/:groupId/events", paymentHandler.PaymentEvents)
	}

	// Dynamic settings
	settings := v1.Group("/settings")
	{
		settings.GET("/booking-rules", settingsHandler.GetBookingRules)
		settings.PATCH("/booking-rules", append(adminOnly, settingsHandler.UpdateBookingRules)...)
	}

	// Operator endpoints
	admin := v1.Group("/admin", adminOnly...)
	{
		admin.GET("/jobs", adminHandler.GetJobs)
		admin.POST("/jobs/:name/run", adminHandler.RunJob)
		admin.GET("/trips/:tripId/seats/:seatId/audit", adminHandler.GetSeatLockAudit)
		admin.GET("/bookings/:groupId/payments", adminHandler.GetGroupPaymentAudit)
		admin.GET("/payments/audit", adminHandler.GetPaymentAuditByEvent)
		admin.GET("/settings", adminHandler.GetSettings)
		admin.GET("/settings/:key/audit", adminHandler.GetSettingAudit)
	}

	// Create HTTP server. No write timeout: payment event streams stay open.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	if cfg.Jobs.Enabled {
		cronService.Stop()
	}
	stopConsumers()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		redisStatus := "disabled"
		if redisClient != nil {
			redisStatus = "healthy"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				redisStatus = "unhealthy"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"redis":     redisStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
