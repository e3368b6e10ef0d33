package models

import "time"

// LoraInfo describes one trained LoRA file found under
// <volume_root>/loras/<character_id>/v<N>.safetensors
type LoraInfo struct {
	CharacterID string    `json:"character_id"`
	Version     int       `json:"version"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	HasConfig   bool      `json:"has_config"` // training_config.json sidecar present
}

// TrainingSidecar is the training_config.json written next to a finished
// LoRA so the file stays interpretable without the job store
type TrainingSidecar struct {
	JobID               string         `json:"job_id"`
	CharacterID         string         `json:"character_id"`
	TriggerWord         string         `json:"trigger_word"`
	Config              TrainingConfig `json:"config"`
	OutputPath          string         `json:"output_path"`
	FinalLoss           *float64       `json:"final_loss,omitempty"`
	TotalSteps          int            `json:"total_steps"`
	TrainingTimeSeconds float64        `json:"training_time_seconds"`
	SamplesGenerated    int            `json:"samples_generated"`
	CompletedAt         time.Time      `json:"completed_at"`
}
