package logs

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/models"
)

// JobLogger binds a job to an arbor logger so every entry carries the job's
// correlation ID and a job_id field. The log consumer routes such entries to
// both the service log and the job's own JSONL file, so callers write once.
type JobLogger struct {
	logger arbor.ILogger
	jobID  string
}

// NewJobLogger derives a correlated logger for a job. The job ID doubles as
// the correlation ID so API-side and worker-side entries line up when read
// back together.
func NewJobLogger(baseLogger arbor.ILogger, jobID string) *JobLogger {
	return &JobLogger{
		logger: baseLogger.WithCorrelationId(jobID),
		jobID:  jobID,
	}
}

// JobID returns the bound job ID
func (jl *JobLogger) JobID() string {
	return jl.jobID
}

// Debug logs a job-scoped debug entry with an optional machine event tag
func (jl *JobLogger) Debug(event, msg string, fields map[string]interface{}) {
	jl.emit(jl.logger.Debug(), event, msg, fields)
}

// Info logs a job-scoped info entry with an optional machine event tag
func (jl *JobLogger) Info(event, msg string, fields map[string]interface{}) {
	jl.emit(jl.logger.Info(), event, msg, fields)
}

// Warn logs a job-scoped warn entry with an optional machine event tag
func (jl *JobLogger) Warn(event, msg string, fields map[string]interface{}) {
	jl.emit(jl.logger.Warn(), event, msg, fields)
}

// Error logs a job-scoped error entry with an optional machine event tag
func (jl *JobLogger) Error(event, msg string, fields map[string]interface{}) {
	jl.emit(jl.logger.Error(), event, msg, fields)
}

func (jl *JobLogger) emit(le arbor.ILogEvent, event, msg string, fields map[string]interface{}) {
	le = le.Str("job_id", jl.jobID)
	if event != "" {
		le = le.Str("event", event)
	}
	for key, value := range fields {
		switch v := value.(type) {
		case string:
			le = le.Str(key, v)
		case int:
			le = le.Int(key, v)
		case int64:
			le = le.Int64(key, v)
		case float64:
			le = le.Float64(key, v)
		case bool:
			le = le.Bool(key, v)
		case error:
			le = le.Str(key, v.Error())
		default:
			le = le.Str(key, fmt.Sprintf("%v", v))
		}
	}
	le.Msg(msg)
}

// TrainingJobLogger layers training lifecycle helpers over JobLogger so
// every run emits the same tagged milestones.
type TrainingJobLogger struct {
	*JobLogger
}

// NewTrainingJobLogger creates a lifecycle logger for a training job
func NewTrainingJobLogger(baseLogger arbor.ILogger, jobID string) *TrainingJobLogger {
	return &TrainingJobLogger{JobLogger: NewJobLogger(baseLogger, jobID)}
}

// Start logs the beginning of a training run with its resolved config
func (tl *TrainingJobLogger) Start(totalSteps int, configSummary map[string]interface{}) {
	fields := map[string]interface{}{
		"total_steps": totalSteps,
	}
	if len(configSummary) > 0 {
		fields["config"] = configSummary
	}
	tl.Info(models.EventTrainingStart, "Training started", fields)
}

// Step logs a training step with its metrics
func (tl *TrainingJobLogger) Step(step, total int, loss, lr float64, msg string) {
	tl.Info(models.EventTrainingStep, msg, map[string]interface{}{
		"step":          step,
		"total_steps":   total,
		"loss":          loss,
		"learning_rate": lr,
	})
}

// SampleGenerated logs a preview sample written during training
func (tl *TrainingJobLogger) SampleGenerated(path string, step int) {
	tl.Info(models.EventTrainingSampleGenerated, "Sample image generated", map[string]interface{}{
		"path": path,
		"step": step,
	})
}

// CheckpointSaved logs an intermediate checkpoint written during training
func (tl *TrainingJobLogger) CheckpointSaved(path string, step int) {
	tl.Info(models.EventTrainingCheckpointSaved, "Checkpoint saved", map[string]interface{}{
		"path": path,
		"step": step,
	})
}

// Complete logs a successful run with the final model location and metrics
func (tl *TrainingJobLogger) Complete(outputPath string, seconds, finalLoss float64) {
	tl.Info(models.EventTrainingComplete, "Training completed successfully", map[string]interface{}{
		"output_path":           outputPath,
		"training_time_seconds": seconds,
		"final_loss":            finalLoss,
	})
}

// Fail logs a failed run with the stage it died in
func (tl *TrainingJobLogger) Fail(err error, stage string) {
	tl.Error(models.EventTrainingFail, "Training failed: "+err.Error(), map[string]interface{}{
		"error": err.Error(),
		"stage": stage,
	})
}
