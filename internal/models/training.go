// -----------------------------------------------------------------------
// Training - LoRA training configuration and plugin result types
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// TrainingMethodLora is the only production training method
const TrainingMethodLora = "lora"

// DefaultBaseModel is the base model new training jobs target
const DefaultBaseModel = "flux-dev"

// TrainingConfig holds the hyperparameters for a LoRA training run.
// Bounds are enforced twice: by validator tags at the API edge and by the
// plugin capability matrix before execution.
type TrainingConfig struct {
	Method       string  `json:"method" validate:"required"`
	Steps        int     `json:"steps" validate:"min=100,max=10000"`
	LearningRate float64 `json:"learning_rate" validate:"gt=0"`
	BatchSize    int     `json:"batch_size" validate:"min=1,max=8"`
	Resolution   int     `json:"resolution" validate:"oneof=512 768 1024"`
	LoraRank     int     `json:"lora_rank" validate:"min=4,max=128"`
}

// DefaultTrainingConfig returns the production defaults for LoRA training
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Method:       TrainingMethodLora,
		Steps:        1000,
		LearningRate: 1e-4,
		BatchSize:    1,
		Resolution:   1024,
		LoraRank:     16,
	}
}

// ApplyDefaults fills zero-valued fields with the production defaults.
// Explicitly supplied values are never touched.
func (c *TrainingConfig) ApplyDefaults() {
	defaults := DefaultTrainingConfig()
	if c.Method == "" {
		c.Method = defaults.Method
	}
	if c.Steps == 0 {
		c.Steps = defaults.Steps
	}
	if c.LearningRate == 0 {
		c.LearningRate = defaults.LearningRate
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Resolution == 0 {
		c.Resolution = defaults.Resolution
	}
	if c.LoraRank == 0 {
		c.LoraRank = defaults.LoraRank
	}
}

// ToJSON serializes the config for job records and queue payloads
func (c *TrainingConfig) ToJSON() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal training config: %w", err)
	}
	return data, nil
}

// TrainingConfigFromJSON deserializes a training config from JSON
func TrainingConfigFromJSON(data []byte) (*TrainingConfig, error) {
	var config TrainingConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal training config: %w", err)
	}
	return &config, nil
}

// StartTrainingRequest is the POST /api/training body
type StartTrainingRequest struct {
	CharacterID string         `json:"character_id" validate:"required"`
	Config      TrainingConfig `json:"config"`
	PresetName  string         `json:"preset_name,omitempty"`
	BaseModel   string         `json:"base_model,omitempty"`
}

// TrainingProgress is a single progress update emitted by a training plugin.
// Plugins call the progress callback synchronously; the executor adapts it so
// slow downstream consumers never stall the training loop.
type TrainingProgress struct {
	CurrentStep  int      `json:"current_step"`
	TotalSteps   int      `json:"total_steps"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	Message      string   `json:"message,omitempty"`
	PreviewPath  string   `json:"preview_path,omitempty"`
}

// Percentage returns progress as 0..100
func (p *TrainingProgress) Percentage() float64 {
	if p.TotalSteps == 0 {
		return 0
	}
	return float64(p.CurrentStep) / float64(p.TotalSteps) * 100
}

// TrainingResult is returned by a training plugin when the run ends
type TrainingResult struct {
	Success             bool     `json:"success"`
	OutputPath          string   `json:"output_path,omitempty"`
	ErrorMessage        string   `json:"error_message,omitempty"`
	TotalSteps          int      `json:"total_steps"`
	FinalLoss           *float64 `json:"final_loss,omitempty"`
	TrainingTimeSeconds float64  `json:"training_time_seconds"`
	SamplesGenerated    int      `json:"samples_generated"`
}
