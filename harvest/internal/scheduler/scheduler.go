// Package scheduler triggers harvest and discovery runs on fixed intervals,
// never more than one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/harvest/internal/metrics"
)

// RunSlot is the lock name shared by every run so harvest and discovery never
// overlap.
const RunSlot = "run"

// ErrBusy is returned by RunNow when another run holds the lock.
var ErrBusy = errors.New("another run is in progress")

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config configures the scheduler. BusyRetry is how often a tick that found
// the run slot taken polls it again.
type Config struct {
	RunTimeout time.Duration
	RunOnStart bool
	BusyRetry  time.Duration
}

// Stats tracks scheduler activity.
type Stats struct {
	mu       sync.RWMutex
	Runs     int64
	Deferred int64
	Skipped  int64
	Errors   int64
	LastRun  time.Time
}

// Scheduler runs jobs on tickers.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []Job
	lock     Lock
	cfg      Config
	logger   *logging.Logger
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	stats    *Stats
}

// NewScheduler creates a scheduler. A nil lock uses a LocalLock.
func NewScheduler(lock Lock, logger *logging.Logger, cfg Config, jobs ...Job) *Scheduler {
	if lock == nil {
		lock = NewLocalLock()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 50 * time.Minute
	}
	if cfg.BusyRetry <= 0 {
		cfg.BusyRetry = 10 * time.Second
	}
	return &Scheduler{
		jobs:   jobs,
		lock:   lock,
		cfg:    cfg,
		logger: logger,
		stats:  &Stats{},
	}
}

// Start launches one ticker loop per job.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", job.Name)
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	for _, job := range s.jobs {
		s.logger.InfoContext(ctx, "scheduling job", "job", job.Name, "interval", job.Interval.String())
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	return nil
}

// Stop waits for the job loops to exit. A run in progress is abandoned when
// its context is cancelled by the caller.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if s.cfg.RunOnStart {
		s.trigger(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.trigger(ctx, job)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, job Job) {
	err := s.runWhenFree(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		s.logger.WarnContext(ctx, "run slot busy for a whole interval, skipping tick", "job", job.Name)
	case errors.Is(err, context.Canceled), errors.Is(err, errStopped):
	default:
		s.logger.ErrorContext(ctx, "scheduled run failed", "job", job.Name, logging.Error(err))
	}
}

var errStopped = errors.New("scheduler stopped")

// runWhenFree runs job, waiting while another job holds the run slot. The
// tick is given up only when the slot stays taken until the job's next tick
// is due.
func (s *Scheduler) runWhenFree(ctx context.Context, job Job) error {
	deadline := time.Now().Add(job.Interval)
	var retry *time.Ticker

	for {
		err := s.run(ctx, job)
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if retry == nil {
			s.incr(&s.stats.Deferred)
			s.logger.InfoContext(ctx, "run slot busy, waiting", "job", job.Name)
			retry = time.NewTicker(s.cfg.BusyRetry)
			defer retry.Stop()
		}
		if !time.Now().Before(deadline) {
			s.incr(&s.stats.Skipped)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopChan:
			return errStopped
		case <-retry.C:
		}
	}
}

// RunNow executes job under the run lock and the run budget. It returns
// ErrBusy without waiting when another run holds the lock.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	err := s.run(ctx, job)
	if errors.Is(err, ErrBusy) {
		s.incr(&s.stats.Skipped)
	}
	return err
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	release, ok, err := s.lock.TryLock(ctx, RunSlot)
	if err != nil {
		s.incr(&s.stats.Errors)
		return err
	}
	if !ok {
		return ErrBusy
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	s.stats.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = time.Now()
	s.stats.mu.Unlock()

	if err := job.Run(runCtx); err != nil {
		s.incr(&s.stats.Errors)
		metrics.RunsTotal.WithLabelValues(job.Name, "error").Inc()
		return fmt.Errorf("%s: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) incr(field *int64) {
	s.stats.mu.Lock()
	*field++
	s.stats.mu.Unlock()
}

// GetStats returns a snapshot of scheduler activity.
func (s *Scheduler) GetStats() map[string]interface{} {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()

	return map[string]interface{}{
		"runs":     s.stats.Runs,
		"deferred": s.stats.Deferred,
		"skipped":  s.stats.Skipped,
		"errors":   s.stats.Errors,
		"last_run": s.stats.LastRun.Format(time.RFC3339),
	}
}
