// -----------------------------------------------------------------------
// Events - Progress bus events and machine-readable log event tags
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log event tags carried in the `event` field of structured log entries.
// Dotted lowercase, grouped by subsystem.
const (
	EventJobCreated   = "job.created"
	EventJobQueued    = "job.queued"
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
	EventJobAcked     = "job.acked"

	EventTrainingStart           = "training.start"
	EventTrainingStep            = "training.step"
	EventTrainingSampleGenerated = "training.sample_generated"
	EventTrainingCheckpointSaved = "training.checkpoint_saved"
	EventTrainingComplete        = "training.complete"
	EventTrainingFail            = "training.fail"

	EventSubprocessStart  = "subprocess.start"
	EventSubprocessStdout = "subprocess.stdout"
	EventSubprocessStderr = "subprocess.stderr"
	EventSubprocessExit   = "subprocess.exit"

	EventSystemStartup  = "system.startup"
	EventSystemShutdown = "system.shutdown"
	EventSystemError    = "system.error"

	EventArtifactCreated = "artifact.created"
	EventDatasetReady    = "dataset.ready"
	EventPathsPrepared   = "paths.prepared"

	EventLogsDownload          = "logs.download"
	EventDebugBundleCreated    = "debug_bundle.created"
	EventSecurityPathTraversal = "security.path_traversal"
)

// ProgressEventType classifies events on the progress bus
type ProgressEventType string

const (
	ProgressEventProgress  ProgressEventType = "progress"
	ProgressEventComplete  ProgressEventType = "complete"
	ProgressEventKeepalive ProgressEventType = "keepalive"
)

// ProgressEvent is the unit carried on the progress bus and over SSE.
// Type is derived from the job status: terminal statuses produce "complete",
// everything else "progress"; keepalives carry only job_id and timestamp.
type ProgressEvent struct {
	JobID       string            `json:"job_id"`
	Type        ProgressEventType `json:"type"`
	Status      JobStatus         `json:"status,omitempty"`
	Stage       TrainingStage     `json:"stage,omitempty"`
	Progress    float64           `json:"progress"`
	CurrentStep int               `json:"current_step,omitempty"`
	TotalSteps  int               `json:"total_steps,omitempty"`
	Message     string            `json:"message,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`

	// Training metrics, present when known
	Loss           *float64 `json:"loss,omitempty"`
	LearningRate   *float64 `json:"learning_rate,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_seconds,omitempty"`
	IterationSpeed float64  `json:"iteration_speed,omitempty"`
	ETASeconds     float64  `json:"eta_seconds,omitempty"`

	// Artifact references
	SamplePath string `json:"sample_path,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`

	// Populated on failure
	Error string `json:"error,omitempty"`
}

// NewProgressEvent builds an event from job state, deriving Type from status
func NewProgressEvent(jobID string, status JobStatus, stage TrainingStage, progress float64, message string) ProgressEvent {
	eventType := ProgressEventProgress
	if status.IsTerminal() {
		eventType = ProgressEventComplete
	}
	return ProgressEvent{
		JobID:     jobID,
		Type:      eventType,
		Status:    status,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NewKeepaliveEvent builds the 30s idle keepalive for a subscribed job
func NewKeepaliveEvent(jobID string) ProgressEvent {
	return ProgressEvent{
		JobID:     jobID,
		Type:      ProgressEventKeepalive,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminal returns true when this event ends the job's stream
func (e *ProgressEvent) IsTerminal() bool {
	return e.Type == ProgressEventComplete
}

// SSEEventName returns the SSE `event:` field value for this event
func (e *ProgressEvent) SSEEventName() string {
	switch e.Type {
	case ProgressEventComplete:
		return "complete"
	case ProgressEventKeepalive:
		return "keepalive"
	default:
		return "progress"
	}
}

// ToJSON serializes the event for stream publication and SSE frames
func (e *ProgressEvent) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress event: %w", err)
	}
	return data, nil
}

// ProgressEventFromJSON deserializes a progress event
func ProgressEventFromJSON(data []byte) (*ProgressEvent, error) {
	var event ProgressEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress event: %w", err)
	}
	return &event, nil
}

// ArtifactType classifies files produced during a run
type ArtifactType string

const (
	ArtifactTypeSample     ArtifactType = "sample"
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
	ArtifactTypeModel      ArtifactType = "model"
)

// ArtifactEvent records a file produced during a run (sample image,
// checkpoint, final model). Logged with event=artifact.created.
type ArtifactEvent struct {
	JobID        string         `json:"job_id"`
	ArtifactType ArtifactType   `json:"artifact_type"`
	Path         string         `json:"path"`
	Step         int            `json:"step,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewArtifactEvent records an artifact produced at a training step
func NewArtifactEvent(jobID string, artifactType ArtifactType, path string, step int) ArtifactEvent {
	return ArtifactEvent{
		JobID:        jobID,
		ArtifactType: artifactType,
		Path:         path,
		Step:         step,
		Timestamp:    time.Now().UTC(),
	}
}
