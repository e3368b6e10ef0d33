// -----------------------------------------------------------------------
// Job - Persistent record for training and generation jobs
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValid checks if the JobStatus is a known, valid value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for states a job can never leave
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// String returns the string representation of the JobStatus
func (s JobStatus) String() string {
	return string(s)
}

// JobType distinguishes training jobs from generation jobs.
// The type also selects the queue stream a job is submitted to.
type JobType string

const (
	JobTypeTraining   JobType = "training"
	JobTypeGeneration JobType = "generation"
)

// IsValid checks if the JobType is a known, valid value
func (t JobType) IsValid() bool {
	return t == JobTypeTraining || t == JobTypeGeneration
}

// String returns the string representation of the JobType
func (t JobType) String() string {
	return string(t)
}

// GPUMetrics is a point-in-time snapshot from the GPU sampler.
// All fields are best effort; a missing sampler leaves the whole struct nil.
type GPUMetrics struct {
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	MemoryTotalMB  float64 `json:"memory_total_mb,omitempty"`
	TemperatureC   float64 `json:"temperature_c,omitempty"`
	PowerWatts     float64 `json:"power_watts,omitempty"`
}

// JobMetrics holds metrics derived from progress updates.
// ElapsedSeconds counts from started_at; IterationSpeed is steps/second
// rounded to two decimals; ETASeconds = remaining steps / speed.
type JobMetrics struct {
	ElapsedSeconds float64     `json:"elapsed_seconds,omitempty"`
	IterationSpeed float64     `json:"iteration_speed,omitempty"`
	ETASeconds     float64     `json:"eta_seconds,omitempty"`
	FinalLoss      *float64    `json:"final_loss,omitempty"`
	GPU            *GPUMetrics `json:"gpu,omitempty"`
}

// Job is the persistent record for both training and generation jobs.
// The record is the source of truth for job state; progress events mirror it.
//
// Job State Lifecycle:
//  1. Created by an API handler (status=queued, config snapshot taken)
//  2. Submitted to the queue (queue mode) or executed directly (single-process)
//  3. Worker marks running, streams progress, reaches a terminal status
//  4. Store updates always land before the matching progress event is published
//
// Config is carried as raw JSON so it round-trips byte-identically between the
// API, the queue payload, and the worker.
type Job struct {
	ID            string          `json:"id" badgerhold:"key"`
	Type          JobType         `json:"type" badgerhold:"index"`
	Status        JobStatus       `json:"status" badgerhold:"index"`
	CharacterID   string          `json:"character_id,omitempty" badgerhold:"index"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Config        json.RawMessage `json:"config"`

	// Progress tracking (mirrored onto progress events)
	Progress    float64       `json:"progress"`
	CurrentStep int           `json:"current_step"`
	TotalSteps  int           `json:"total_steps"`
	Stage       TrainingStage `json:"stage,omitempty"`
	Message     string        `json:"message,omitempty"`

	// Error contains a concise description of why the job failed.
	// Only populated when status is 'failed'.
	ErrorMessage string `json:"error_message,omitempty"`

	// Outputs
	OutputPath  string   `json:"output_path,omitempty"`  // training: final .safetensors
	OutputPaths []string `json:"output_paths,omitempty"` // generation: produced images

	// Training-only fields
	BaseModel  string `json:"base_model,omitempty"`
	PresetName string `json:"preset_name,omitempty"`

	// Timestamps. UpdatedAt moves on every status or progress write and
	// drives stale-job detection.
	CreatedAt   time.Time  `json:"created_at" badgerhold:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metrics JobMetrics `json:"metrics,omitempty"`
}

// NewTrainingJob creates a queued training job with a config snapshot
func NewTrainingJob(id, characterID string, config json.RawMessage, correlationID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            id,
		Type:          JobTypeTraining,
		Status:        JobStatusQueued,
		CharacterID:   characterID,
		CorrelationID: correlationID,
		Config:        config,
		Stage:         StageQueued,
		BaseModel:     DefaultBaseModel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewGenerationJob creates a queued generation job with a config snapshot
func NewGenerationJob(id string, config json.RawMessage, correlationID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            id,
		Type:          JobTypeGeneration,
		Status:        JobStatusQueued,
		CorrelationID: correlationID,
		Config:        config,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// MarkRunning marks the job as started
func (j *Job) MarkRunning(totalSteps int) {
	j.Status = JobStatusRunning
	j.TotalSteps = totalSteps
	now := time.Now().UTC()
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted marks the job as completed with its output
func (j *Job) MarkCompleted(outputPath string, outputPaths []string) {
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.OutputPath = outputPath
	if len(outputPaths) > 0 {
		j.OutputPaths = outputPaths
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed marks the job as failed with an error message
func (j *Job) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errorMsg
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled marks the job as cancelled
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// ApplyStatusUpdate sets the status, derives lifecycle timestamps, and maps
// partial-update fields onto the record. Running sets started_at once and a
// terminal status sets completed_at once; explicit timestamp fields win.
// A terminal record never leaves its state: updates carrying any other
// status are dropped and the method reports false. This closes the race
// between a cancel and a late progress tick from the run it stopped.
func (j *Job) ApplyStatusUpdate(status JobStatus, fields map[string]interface{}) bool {
	if j.Status.IsTerminal() && status != j.Status {
		return false
	}
	j.Status = status
	now := time.Now().UTC()
	j.UpdatedAt = now
	if status == JobStatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.IsTerminal() && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	for key, value := range fields {
		j.applyField(key, value)
	}
	return true
}

// applyField maps one partial-update key onto the record.
// Numeric values arrive as int or float64 depending on the caller.
func (j *Job) applyField(key string, value interface{}) {
	switch key {
	case "progress":
		j.Progress = toFloat(value)
	case "current_step":
		j.CurrentStep = int(toFloat(value))
	case "total_steps":
		j.TotalSteps = int(toFloat(value))
	case "stage":
		if s, ok := value.(TrainingStage); ok {
			j.Stage = s
		} else if s, ok := value.(string); ok {
			j.Stage = TrainingStage(s)
		}
	case "message":
		if s, ok := value.(string); ok {
			j.Message = s
		}
	case "error_message":
		if s, ok := value.(string); ok {
			j.ErrorMessage = s
		}
	case "output_path":
		if s, ok := value.(string); ok {
			j.OutputPath = s
		}
	case "output_paths":
		if paths, ok := value.([]string); ok {
			j.OutputPaths = paths
		}
	case "metrics":
		if m, ok := value.(JobMetrics); ok {
			j.Metrics = m
		}
	case "started_at":
		if t, ok := value.(time.Time); ok {
			j.StartedAt = &t
		}
	case "completed_at":
		if t, ok := value.(time.Time); ok {
			j.CompletedAt = &t
		}
	}
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// ElapsedSeconds returns seconds since the job started, or 0 when never started.
// Terminal jobs measure to completed_at so the value is stable after the run.
func (j *Job) ElapsedSeconds() float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt).Seconds()
}

// ToJSON serializes the job for queue or redis storage
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job from JSON
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Validate checks the job holds the minimum required fields
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if !j.Type.IsValid() {
		return fmt.Errorf("job type %q is not valid", j.Type)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("job status %q is not valid", j.Status)
	}
	if j.Type == JobTypeTraining && j.CharacterID == "" {
		return fmt.Errorf("training job requires a character ID")
	}
	return nil
}
