// Package scheduler runs recurring scans on cron schedules. Each execution
// is independent; a job whose previous execution is still running is
// skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/ollamascan/internal/logging"
)

// JobFunc is one execution of a scheduled job.
type JobFunc func(ctx context.Context) error

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logging.Logger
	jobs    map[uuid.UUID]*ScheduledJob
	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// ScheduledJob describes a registered job.
type ScheduledJob struct {
	ID       uuid.UUID
	Name     string
	Schedule string
	CronID   cron.EntryID
	LastRun  time.Time
	NextRun  time.Time
	LastErr  error
	Runs     int
	Skipped  int
	Running  bool

	fn JobFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(),
		logger: logger.WithComponent("scheduler"),
		jobs:   make(map[uuid.UUID]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ValidateSchedule checks a standard cron expression or descriptor such as
// "@hourly" or "@every 30m".
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// AddJob registers fn under spec.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) (uuid.UUID, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	job := &ScheduledJob{
		ID:       uuid.New(),
		Name:     name,
		Schedule: spec,
		NextRun:  schedule.Next(time.Now()),
		fn:       fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cronID, err := s.cron.AddFunc(spec, func() { _ = s.execute(job.ID) })
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to schedule job %q: %w", name, err)
	}
	job.CronID = cronID
	s.jobs[job.ID] = job

	s.logger.Info("Job scheduled", "job", name, "schedule", spec, "next_run", job.NextRun)
	return job.ID, nil
}

// RunNow executes a job immediately on the calling goroutine, with the
// same skip-if-running rule as scheduled executions.
func (s *Scheduler) RunNow(id uuid.UUID) error {
	s.mu.RLock()
	_, exists := s.jobs[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	return s.execute(id)
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing jobs, cancels running executions and waits for them.
func (s *Scheduler) Stop() {
	// executions that have not started yet see the canceled context
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.cancel()
	s.mu.Unlock()

	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()

	if wasRunning {
		s.logger.Info("Scheduler stopped")
	}
}

// GetJobs returns a copy of every registered job.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		cp.fn = nil
		if entry := s.cron.Entry(job.CronID); entry.Valid() && !entry.Next.IsZero() {
			cp.NextRun = entry.Next
		}
		jobs = append(jobs, cp)
	}
	return jobs
}

func (s *Scheduler) execute(id uuid.UUID) error {
	job, ok := s.prepareJobExecution(id)
	if !ok {
		return nil
	}
	defer s.wg.Done()
	defer s.cleanupJobExecution(id)

	s.logger.Info("Executing job", "job", job.Name)
	started := time.Now()
	err := runJob(s.ctx, job.fn)

	s.mu.Lock()
	job.LastErr = err
	job.Runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Job failed", "job", job.Name, "error", err, "duration", time.Since(started))
		return err
	}
	s.logger.Info("Job completed", "job", job.Name, "duration", time.Since(started))
	return nil
}

// runJob reports a panic in fn as an error.
func runJob(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// prepareJobExecution marks the job running unless it already is.
func (s *Scheduler) prepareJobExecution(id uuid.UUID) (*ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, false
	}
	if job.Running {
		job.Skipped++
		s.logger.Warn("Job is already running, skipping", "job", job.Name)
		return nil, false
	}
	if s.ctx.Err() != nil {
		return nil, false
	}

	job.Running = true
	job.LastRun = time.Now()
	s.wg.Add(1)
	return job, true
}

func (s *Scheduler) cleanupJobExecution(id uuid.UUID) {
	s.mu.Lock()
	if job, exists := s.jobs[id]; exists {
		job.Running = false
	}
	s.mu.Unlock()
}
