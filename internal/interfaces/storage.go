package interfaces

import (
	"context"

	"github.com/ternarybob/effigo/internal/models"
)

// JobListOptions narrows ListJobs/CountJobs results. Zero values mean
// "no filter"; results are sorted created_at descending.
type JobListOptions struct {
	CharacterID string
	Type        models.JobType
	Status      models.JobStatus
	Limit       int
	Offset      int
}

// JobStorage - interface for job record persistence.
// GetJob returns a KindNotFound AppError for unknown IDs so callers can
// distinguish missing records from storage failures.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error

	// UpdateJobStatus applies a partial update: status plus any of
	// progress, current_step, total_steps, stage, message, error_message,
	// output_path, output_paths, started_at, completed_at, metrics.
	// A record in a terminal state keeps it; updates carrying any other
	// status are dropped without error.
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, fields map[string]interface{}) error

	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	CountJobs(ctx context.Context, opts *JobListOptions) (int, error)
}

// CharacterStorage - interface for character persistence
type CharacterStorage interface {
	SaveCharacter(ctx context.Context, character *models.Character) error
	GetCharacter(ctx context.Context, id string) (*models.Character, error)
	ListCharacters(ctx context.Context) ([]*models.Character, error)
	UpdateCharacter(ctx context.Context, character *models.Character) error
	DeleteCharacter(ctx context.Context, id string) error
	CountCharacters(ctx context.Context) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	CharacterStorage() CharacterStorage

	// DB returns the underlying database handle for health checks
	DB() interface{}
	Close() error
}
