package interfaces

import "time"

// ScheduledJobStatus describes one registered maintenance job
type ScheduledJobStatus struct {
	Name      string
	Schedule  string
	LastRun   *time.Time
	NextRun   *time.Time
	IsRunning bool
	LastError string
}

// SchedulerService runs cron-scheduled maintenance: the UELR retention
// sweep and the stale-job detector.
type SchedulerService interface {
	// RegisterJob adds a named job with a cron schedule. Must be called
	// before Start.
	RegisterJob(name string, schedule string, handler func() error) error

	Start() error
	Stop() error
	IsRunning() bool

	// TriggerNow runs a registered job immediately, outside its schedule.
	TriggerNow(name string) error

	// GetJobStatus returns the status of a specific job, nil when unknown.
	GetJobStatus(name string) *ScheduledJobStatus

	// GetAllJobStatuses returns all registered job statuses.
	GetAllJobStatuses() map[string]*ScheduledJobStatus
}
