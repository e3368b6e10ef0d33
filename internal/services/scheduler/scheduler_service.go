// Package scheduler runs cron-scheduled maintenance jobs: the UELR
// retention sweep and the stale-job detector. Jobs are registered before
// Start and execute one at a time.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
)

// jobEntry is one registered job with its run bookkeeping
type jobEntry struct {
	name      string
	schedule  string
	handler   func() error
	cronID    cron.EntryID
	lastRun   *time.Time
	isRunning bool
	lastError string
}

// Service implements interfaces.SchedulerService on robfig/cron
type Service struct {
	logger arbor.ILogger
	cron   *cron.Cron

	jobMu    sync.Mutex // protects jobs map and entry state
	globalMu sync.Mutex // serializes job execution
	jobs     map[string]*jobEntry
	running  bool
}

// NewService creates the scheduler. Jobs must be registered before Start.
func NewService(logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		logger: logger,
		cron:   cron.New(),
		jobs:   make(map[string]*jobEntry),
	}
}

// RegisterJob adds a named job with a standard 5-field cron schedule
func (s *Service) RegisterJob(name string, schedule string, handler func() error) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:     name,
		schedule: schedule,
		handler:  handler,
	}
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}
	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Scheduled job registered")
	return nil
}

// Start begins cron scheduling
func (s *Service) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("job_count", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts scheduling and waits for any in-flight job to finish
func (s *Service) Stop() error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for scheduled jobs to finish")
	}
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is started
func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// TriggerNow runs a registered job immediately and returns its error
func (s *Service) TriggerNow(name string) error {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s not registered", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	s.jobMu.Unlock()

	s.logger.Info().Str("job_name", name).Msg("Manually triggering scheduled job")
	return s.executeJob(name)
}

// GetJobStatus returns the status of a specific job, nil when unknown
func (s *Service) GetJobStatus(name string) *interfaces.ScheduledJobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil
	}
	return s.statusLocked(entry)
}

// GetAllJobStatuses returns all registered job statuses
func (s *Service) GetAllJobStatuses() map[string]*interfaces.ScheduledJobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	statuses := make(map[string]*interfaces.ScheduledJobStatus, len(s.jobs))
	for name, entry := range s.jobs {
		statuses[name] = s.statusLocked(entry)
	}
	return statuses
}

func (s *Service) statusLocked(entry *jobEntry) *interfaces.ScheduledJobStatus {
	status := &interfaces.ScheduledJobStatus{
		Name:      entry.name,
		Schedule:  entry.schedule,
		LastRun:   entry.lastRun,
		IsRunning: entry.isRunning,
		LastError: entry.lastError,
	}
	if s.running {
		next := s.cron.Entry(entry.cronID).Next
		if !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// executeJob runs one job under the global mutex with panic recovery
func (s *Service) executeJob(name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in scheduled job")
			s.finishJob(name, err)
		}
	}()

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		s.logger.Warn().Str("job_name", name).Msg("Scheduled job not found")
		return fmt.Errorf("job %s not registered", name)
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	started := time.Now()
	s.logger.Info().Str("job_name", name).Msg("Scheduled job started")

	err = handler()
	s.finishJob(name, err)

	if err != nil {
		s.logger.Error().
			Str("job_name", name).
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("Scheduled job failed")
	} else {
		s.logger.Info().
			Str("job_name", name).
			Dur("duration", time.Since(started)).
			Msg("Scheduled job completed")
	}
	return err
}

func (s *Service) finishJob(name string, err error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	entry, exists := s.jobs[name]
	if !exists {
		return
	}
	now := time.Now()
	entry.isRunning = false
	entry.lastRun = &now
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
}
