package redis

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

const (
	jobDataKeyPrefix = "effigo:jobs:data:"
	jobIndexKey      = "effigo:jobs:index"
)

// JobStorage implements the JobStorage interface on Redis. Job records are
// stored as JSON strings under effigo:jobs:data:<id>; effigo:jobs:index maps
// id to status so listings avoid scanning the keyspace.
type JobStorage struct {
	db     *RedisDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *RedisDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func jobDataKey(id string) string {
	return jobDataKeyPrefix + id
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	data, err := job.ToJSON()
	if err != nil {
		return err
	}

	pipe := s.db.Client().TxPipeline()
	pipe.Set(ctx, jobDataKey(job.ID), data, 0)
	pipe.HSet(ctx, jobIndexKey, job.ID, string(job.Status))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.db.Client().Get(ctx, jobDataKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, models.Errorf(models.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return models.JobFromJSON(data)
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	return s.SaveJob(ctx, job)
}

// UpdateJobStatus applies a partial update to a job record. Timestamps are
// derived from the status when not supplied explicitly: running sets
// started_at once, terminal statuses set completed_at once. A write that
// would move a terminal record back to a non-terminal status is dropped.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, fields map[string]interface{}) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.ApplyStatusUpdate(status, fields) {
		return nil
	}
	return s.SaveJob(ctx, job)
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	jobs, err := s.loadJobs(ctx, opts)
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if opts != nil && opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*models.Job{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts != nil && opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	jobs, err := s.loadJobs(ctx, opts)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// loadJobs resolves candidate ids from the status index, fetches the records
// in one MGET, and applies the character/type filters in memory. Index
// entries whose data key vanished mid-flight are skipped.
func (s *JobStorage) loadJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	index, err := s.db.Client().HGetAll(ctx, jobIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job index: %w", err)
	}

	keys := make([]string, 0, len(index))
	for id, status := range index {
		if opts != nil && opts.Status != "" && status != string(opts.Status) {
			continue
		}
		keys = append(keys, jobDataKey(id))
	}
	if len(keys) == 0 {
		return []*models.Job{}, nil
	}

	values, err := s.db.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		job, err := models.JobFromJSON([]byte(raw))
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unreadable job record")
			continue
		}
		if opts != nil {
			if opts.CharacterID != "" && job.CharacterID != opts.CharacterID {
				continue
			}
			if opts.Type != "" && job.Type != opts.Type {
				continue
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	pipe := s.db.Client().TxPipeline()
	pipe.Del(ctx, jobDataKey(id))
	pipe.HDel(ctx, jobIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
