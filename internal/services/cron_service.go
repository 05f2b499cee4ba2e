package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// jobTimeout bounds a single run of any background job
const jobTimeout = 30 * time.Second

// LockSweeper reclaims abandoned seat locks
type LockSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// DeadlineExpirer expires groups past their payment deadline
type DeadlineExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// ConfirmationResumer finishes groups stuck in CONFIRMING
type ConfirmationResumer interface {
	ResumeConfirming(ctx context.Context, olderThan time.Duration) (int, error)
}

type jobRun struct {
	name     string
	spec     string
	id       cron.EntryID
	lastRun  time.Time
	lastErr  string
	affected int
	duration time.Duration
}

// CronService manages scheduled background jobs
type CronService struct {
	cron    *cron.Cron
	cfg     config.JobsConfig
	sweeper LockSweeper
	expirer DeadlineExpirer
	resumer ConfirmationResumer
	logger  *logrus.Logger
	mu      sync.Mutex
	jobs    map[string]*jobRun
	order   []string
	started bool
}

// NewCronService creates a new CronService
func NewCronService(cfg config.JobsConfig, sweeper LockSweeper, expirer DeadlineExpirer, resumer ConfirmationResumer, logger *logrus.Logger) *CronService {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	return &CronService{
		cron:    c,
		cfg:     cfg,
		sweeper: sweeper,
		expirer: expirer,
		resumer: resumer,
		logger:  logger,
		jobs:    make(map[string]*jobRun),
	}
}

// Start schedules all jobs and starts the scheduler
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Job 1: reclaim abandoned seat locks
	if err := s.schedule("lock_sweep", s.cfg.LockSweepSpec, s.sweepLocksJob); err != nil {
		return err
	}

	// Job 2: expire booking groups past their payment deadline
	if err := s.schedule("payment_expiry", s.cfg.PaymentExpirySpec, s.expirePaymentsJob); err != nil {
		return err
	}

	// Job 3: finish confirmations interrupted between payment and tickets
	if err := s.schedule("resume_confirming", s.cfg.ResumeConfirmSpec, s.resumeConfirmingJob); err != nil {
		return err
	}

	s.cron.Start()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger.Info("Cron service started successfully")
	return nil
}

func (s *CronService) schedule(name, spec string, fn func() (int, error)) error {
	run := &jobRun{name: name, spec: spec}
	id, err := s.cron.AddFunc(spec, func() { s.runJob(run, fn) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", name, err)
	}
	run.id = id

	s.mu.Lock()
	s.jobs[name] = run
	s.order = append(s.order, name)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"job": name, "spec": spec}).Info("Scheduled background job")
	return nil
}

// Stop stops all cron jobs and waits for running ones
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) runJob(run *jobRun, fn func() (int, error)) {
	start := time.Now()
	affected, err := fn()
	duration := time.Since(start)

	s.mu.Lock()
	run.lastRun = start
	run.affected = affected
	run.duration = duration
	run.lastErr = ""
	if err != nil {
		run.lastErr = err.Error()
	}
	s.mu.Unlock()

	entry := s.logger.WithFields(logrus.Fields{
		"job":      run.name,
		"affected": affected,
		"duration": duration.String(),
	})
	if err != nil {
		entry.WithError(err).Error("[CRON] Job failed")
		return
	}
	if affected > 0 {
		entry.Info("[CRON] Job completed")
		return
	}
	entry.Debug("[CRON] Job completed")
}

func (s *CronService) sweepLocksJob() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return s.sweeper.Sweep(ctx)
}

func (s *CronService) expirePaymentsJob() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return s.expirer.ExpireOverdue(ctx)
}

func (s *CronService) resumeConfirmingJob() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return s.resumer.ResumeConfirming(ctx, s.cfg.ConfirmingStaleFor)
}

// RunNow runs a job immediately, outside its schedule
func (s *CronService) RunNow(name string) (int, error) {
	s.mu.Lock()
	run, ok := s.jobs[name]
	s.mu.Unlock()

	var fn func() (int, error)
	switch name {
	case "lock_sweep":
		fn = s.sweepLocksJob
	case "payment_expiry":
		fn = s.expirePaymentsJob
	case "resume_confirming":
		fn = s.resumeConfirmingJob
	default:
		return 0, fmt.Errorf("unknown job %q", name)
	}
	if !ok {
		run = &jobRun{name: name}
	}

	s.logger.WithField("job", name).Info("[MANUAL] Running job now")
	s.runJob(run, fn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if run.lastErr != "" {
		return run.affected, fmt.Errorf("%s", run.lastErr)
	}
	return run.affected, nil
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]map[string]interface{}, 0, len(s.order))
	for _, name := range s.order {
		run := s.jobs[name]
		entry := s.cron.Entry(run.id)
		job := map[string]interface{}{
			"name":          run.name,
			"schedule":      run.spec,
			"next_run":      entry.Next,
			"last_run":      run.lastRun,
			"last_affected": run.affected,
			"last_duration": run.duration.String(),
		}
		if run.lastErr != "" {
			job["last_error"] = run.lastErr
		}
		jobs = append(jobs, job)
	}

	return map[string]interface{}{
		"running":   s.started,
		"job_count": len(jobs),
		"jobs":      jobs,
	}
}
