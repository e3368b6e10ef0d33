package interfaces

import (
	"context"

	"github.com/ternarybob/effigo/internal/models"
)

// TrainingProgressFunc receives progress updates from a training plugin.
// Calls are synchronous from the plugin's point of view; the executor adapts
// delivery so a slow consumer cannot stall the training loop.
type TrainingProgressFunc func(progress models.TrainingProgress)

// GenerationProgressFunc receives progress updates from an image plugin
type GenerationProgressFunc func(progress models.GenerationProgress)

// TrainingPlugin is the contract between the executor and a training backend.
// Implementations: ai-toolkit (production, subprocess) and mock (fast-test).
type TrainingPlugin interface {
	// Name is the plugin identifier, e.g. "ai-toolkit".
	Name() string

	// SupportedMethods lists the training methods this backend serves.
	SupportedMethods() []string

	// Capabilities returns the parameter wiring the validator enforces.
	Capabilities() models.CapabilitySet

	// ValidateConfig checks a config against the backend's capabilities
	// before any resources are committed.
	ValidateConfig(config models.TrainingConfig) error

	// Train runs a full training pass for jobID. imagesDir holds the
	// dataset, outputPath is the final .safetensors destination.
	// Cancellation arrives via ctx or Cancel; both must stop the run.
	Train(ctx context.Context, jobID string, config models.TrainingConfig, imagesDir, outputPath, triggerWord string, progress TrainingProgressFunc) (*models.TrainingResult, error)

	// Cancel stops the run for the given job if one is in progress.
	Cancel(jobID string) error
}

// ImagePlugin is the contract between the executor and a generation backend.
// Implementations: comfyui (production, HTTP) and mock (fast-test).
type ImagePlugin interface {
	Name() string
	Capabilities() models.CapabilitySet

	// CheckHealth verifies the backend can take work right now.
	CheckHealth(ctx context.Context) error

	// Generate produces count images into outputDir. loraPath is empty when
	// no LoRA is selected.
	Generate(ctx context.Context, config models.GenerationConfig, outputDir, loraPath string, count int, progress GenerationProgressFunc) (*models.GenerationResult, error)

	Cancel(jobID string) error

	// ListWorkflows names the pipelines the backend can run.
	ListWorkflows() []string

	// WorkflowInfo describes a single workflow, nil when unknown.
	WorkflowInfo(name string) (map[string]interface{}, error)
}

// JobExecutor drives a job through its stages: store updates, progress
// events, plugin invocation, artifacts. The worker calls it for queued jobs;
// in single-process mode handlers call it directly.
type JobExecutor interface {
	ExecuteTraining(ctx context.Context, job *models.Job, character *models.Character) error
	ExecuteGeneration(ctx context.Context, job *models.Job, count int) error

	// Cancel flags a running job and forwards cancellation to its plugin.
	Cancel(jobID string) error
}
