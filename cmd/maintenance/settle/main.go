package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/cache"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/database"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/services"
	"github.com/sirupsen/logrus"
)

// settle runs every background job once and exits. Useful after an outage
// when the scheduler was down past payment deadlines.
func main() {
	var only string
	var timeout time.Duration
	flag.StringVar(&only, "job", "", "run a single job (lock_sweep, payment_expiry, resume_confirming)")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "overall time limit")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient := cache.NewRedisClient(cfg.Redis, logger)
	if redisClient == nil {
		// In-process locks belong to the server, there is nothing to sweep here
		logger.Warn("REDIS_ADDR not set: lock_sweep only sees this process")
	} else {
		defer redisClient.Close()
	}

	var lockStore services.LockStore = services.NewMemoryLockStore()
	if redisClient != nil {
		lockStore = services.NewRedisLockStore(redisClient)
	}

	settingRepo := database.NewSystemSettingRepository(db.DB)
	tripSeatRepo := database.NewTripSeatRepository(db.DB)
	bookingRepo := database.NewBookingGroupRepository(db.DB)

	configStore := services.NewConfigStore(settingRepo, cache.NewStore(redisClient), cfg.Booking, logger)
	lockManager := services.NewSeatLockManager(lockStore, tripSeatRepo, bookingRepo,
		database.NewSeatLockAuditRepository(db.DB), configStore, logger)
	orchestrator := services.NewBookingOrchestratorService(bookingRepo, lockManager, tripSeatRepo, configStore,
		services.NewPDFTicketIssuer(cfg.Ticket, logger), nil, cfg.Payment.Currency, logger)
	reconciler := services.NewPaymentReconcilerService(bookingRepo, orchestrator,
		database.NewPaymentSessionRepository(db.DB), database.NewPaymentAuditRepository(db.DB, logger),
		services.NewPayOSService(&cfg.Payment, logger), nil, services.NewPaymentNotifier(logger), logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	jobs := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"lock_sweep", lockManager.Sweep},
		{"payment_expiry", reconciler.ExpireOverdue},
		{"resume_confirming", func(ctx context.Context) (int, error) {
			return orchestrator.ResumeConfirming(ctx, cfg.Jobs.ConfirmingStaleFor)
		}},
	}

	failed := false
	for _, job := range jobs {
		if only != "" && job.name != only {
			continue
		}
		affected, err := job.run(ctx)
		if err != nil {
			failed = true
			fmt.Printf("%-18s FAILED: %v\n", job.name, err)
			continue
		}
		fmt.Printf("%-18s %d affected\n", job.name, affected)
	}

	if failed {
		os.Exit(1)
	}
}
