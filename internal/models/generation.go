// -----------------------------------------------------------------------
// Generation - Image generation configuration and plugin result types
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// GenerationConfig holds the parameters for an image generation request.
// The toggle fields default to off; the capability validator rejects any
// toggle the active backend does not support.
type GenerationConfig struct {
	Prompt         string  `json:"prompt" validate:"required,min=1,max=2000"`
	NegativePrompt string  `json:"negative_prompt,omitempty" validate:"max=1000"`
	Width          int     `json:"width" validate:"min=512,max=2048"`
	Height         int     `json:"height" validate:"min=512,max=2048"`
	Steps          int     `json:"steps" validate:"min=1,max=100"`
	GuidanceScale  float64 `json:"guidance_scale" validate:"min=1,max=20"`
	Seed           *int64  `json:"seed,omitempty"`

	// LoRA selection: LoraID references a trained character
	LoraID       string  `json:"lora_id,omitempty"`
	LoraStrength float64 `json:"lora_strength" validate:"min=0,max=1.5"`

	// Pipeline feature toggles
	UseControlnet   bool `json:"use_controlnet"`
	UseIPAdapter    bool `json:"use_ipadapter"`
	UseFaceDetailer bool `json:"use_facedetailer"`
	UseUpscale      bool `json:"use_upscale"`
}

// DefaultGenerationConfig returns the production defaults for generation
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Width:         1024,
		Height:        1024,
		Steps:         30,
		GuidanceScale: 7.5,
		LoraStrength:  0.8,
	}
}

// ApplyDefaults fills zero-valued numeric fields with the production defaults
func (c *GenerationConfig) ApplyDefaults() {
	defaults := DefaultGenerationConfig()
	if c.Width == 0 {
		c.Width = defaults.Width
	}
	if c.Height == 0 {
		c.Height = defaults.Height
	}
	if c.Steps == 0 {
		c.Steps = defaults.Steps
	}
	if c.GuidanceScale == 0 {
		c.GuidanceScale = defaults.GuidanceScale
	}
	if c.LoraStrength == 0 {
		c.LoraStrength = defaults.LoraStrength
	}
}

// ToJSON serializes the config for job records and queue payloads
func (c *GenerationConfig) ToJSON() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation config: %w", err)
	}
	return data, nil
}

// GenerationConfigFromJSON deserializes a generation config from JSON
func GenerationConfigFromJSON(data []byte) (*GenerationConfig, error) {
	var config GenerationConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation config: %w", err)
	}
	return &config, nil
}

// GenerateImageRequest is the POST /api/generation body.
// Config is validated separately after defaults are applied.
type GenerateImageRequest struct {
	Config GenerationConfig `json:"config" validate:"-"`
	Count  int              `json:"count" validate:"min=1,max=4"`
}

// GenerationProgress is a single progress update emitted by an image plugin
type GenerationProgress struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Message     string `json:"message,omitempty"`
	PreviewPath string `json:"preview_path,omitempty"`
}

// Percentage returns progress as 0..100
func (p *GenerationProgress) Percentage() float64 {
	if p.TotalSteps == 0 {
		return 0
	}
	return float64(p.CurrentStep) / float64(p.TotalSteps) * 100
}

// GenerationResult is returned by an image plugin when generation ends
type GenerationResult struct {
	Success               bool     `json:"success"`
	OutputPaths           []string `json:"output_paths,omitempty"`
	ErrorMessage          string   `json:"error_message,omitempty"`
	GenerationTimeSeconds float64  `json:"generation_time_seconds"`
	SeedUsed              *int64   `json:"seed_used,omitempty"`
}
