package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// SweepStaleJobs marks running jobs that have not written an update within
// olderThan as failed. A worker crash between ack and completion leaves the
// record stuck in running forever; the sweep is the backstop. Returns the
// number of jobs swept.
func SweepStaleJobs(ctx context.Context, logger arbor.ILogger, jobs interfaces.JobStorage, bus interfaces.ProgressBus, olderThan time.Duration) (int, error) {
	running, err := jobs.ListJobs(ctx, &interfaces.JobListOptions{
		Status: models.JobStatusRunning,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	swept := 0
	for _, job := range running {
		if job.UpdatedAt.After(cutoff) {
			continue
		}

		reason := fmt.Sprintf("Job stale: no updates for %s", olderThan)
		fields := map[string]interface{}{
			"error_message": reason,
			"completed_at":  time.Now().UTC(),
			"message":       reason,
		}
		stage := models.TrainingStage("")
		if job.Type == models.JobTypeTraining {
			stage = models.StageFailed
			fields["stage"] = stage
		}
		if err := jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, fields); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark stale job failed")
			continue
		}

		event := models.NewProgressEvent(job.ID, models.JobStatusFailed, stage, job.Progress, reason)
		event.Error = reason
		event.CurrentStep = job.CurrentStep
		event.TotalSteps = job.TotalSteps
		if err := bus.Publish(ctx, event); err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish stale job event")
		}

		logger.Warn().
			Str("event", models.EventJobFailed).
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Str("last_update", job.UpdatedAt.Format(time.RFC3339)).
			Msg("Marked stale job failed")
		swept++
	}

	if swept > 0 {
		logger.Info().Int("swept", swept).Msg("Stale job sweep completed")
	}
	return swept, nil
}
