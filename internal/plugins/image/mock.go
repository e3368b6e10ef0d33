// Package image holds the generation backends: comfyui (production, HTTP)
// and mock (fast-test, placeholder output).
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/capabilities"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
	"github.com/ternarybob/effigo/internal/plugins"
)

// MockPlugin generates placeholder images without a diffusion backend.
// Used in fast-test mode to exercise the full generation pipeline.
type MockPlugin struct {
	logger arbor.ILogger

	// StepDelay paces the simulated denoise loop
	StepDelay time.Duration

	mu     sync.Mutex
	cancel map[string]chan struct{}
}

// NewMockPlugin creates the fast-test generation backend
func NewMockPlugin(logger arbor.ILogger) *MockPlugin {
	return &MockPlugin{
		logger:    logger,
		StepDelay: 10 * time.Millisecond,
		cancel:    make(map[string]chan struct{}),
	}
}

// Name returns the plugin identifier
func (p *MockPlugin) Name() string {
	return "mock"
}

// Capabilities returns the parameter wiring for the mock backend
func (p *MockPlugin) Capabilities() models.CapabilitySet {
	return capabilities.MockImage()
}

// CheckHealth always succeeds; the mock has no external backend
func (p *MockPlugin) CheckHealth(ctx context.Context) error {
	return nil
}

// Generate writes count placeholder PNGs into outputDir, pacing through the
// configured step count so progress streaming is observable.
func (p *MockPlugin) Generate(ctx context.Context, config models.GenerationConfig, outputDir, loraPath string, count int, progress interfaces.GenerationProgressFunc) (*models.GenerationResult, error) {
	jobKey := outputDir
	cancelCh := p.register(jobKey)
	defer p.unregister(jobKey)

	prompt := config.Prompt
	if len(prompt) > 50 {
		prompt = prompt[:50] + "..."
	}
	p.logger.Info().
		Str("prompt", prompt).
		Str("size", fmt.Sprintf("%dx%d", config.Width, config.Height)).
		Int("count", count).
		Str("lora_path", loraPath).
		Msg("Starting mock image generation")

	start := time.Now()
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &models.GenerationResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to create output directory: %v", err),
		}, nil
	}

	outputPaths := make([]string, 0, count)
	totalSteps := config.Steps * count

	for i := 0; i < count; i++ {
		for step := 0; step < config.Steps; step++ {
			select {
			case <-ctx.Done():
				return p.cancelledResult(outputPaths), nil
			case <-cancelCh:
				return p.cancelledResult(outputPaths), nil
			case <-time.After(p.StepDelay):
			}

			if progress != nil {
				current := i*config.Steps + step + 1
				progress(models.GenerationProgress{
					CurrentStep: current,
					TotalSteps:  totalSteps,
					Message:     fmt.Sprintf("Generating image %d/%d, step %d/%d", i+1, count, step+1, config.Steps),
				})
			}
		}

		seed := int64(42 + i)
		if config.Seed != nil {
			seed = *config.Seed + int64(i)
		}

		data, err := plugins.PlaceholderPNG(config.Width, config.Height, fmt.Sprintf("%s-%d-%d", config.Prompt, seed, i))
		if err != nil {
			return &models.GenerationResult{
				Success:      false,
				OutputPaths:  outputPaths,
				ErrorMessage: err.Error(),
			}, nil
		}

		outputPath := filepath.Join(outputDir, fmt.Sprintf("generated_%d_seed%d.png", i+1, seed))
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			return &models.GenerationResult{
				Success:      false,
				OutputPaths:  outputPaths,
				ErrorMessage: fmt.Sprintf("failed to write image: %v", err),
			}, nil
		}
		outputPaths = append(outputPaths, outputPath)

		p.logger.Info().
			Str("output_path", outputPath).
			Int64("seed", seed).
			Msg(fmt.Sprintf("Generated mock image %d/%d", i+1, count))
	}

	seedUsed := int64(42)
	if config.Seed != nil {
		seedUsed = *config.Seed
	}
	return &models.GenerationResult{
		Success:               true,
		OutputPaths:           outputPaths,
		GenerationTimeSeconds: time.Since(start).Seconds(),
		SeedUsed:              &seedUsed,
	}, nil
}

// Cancel signals a running mock generation to stop at the next step boundary.
// Generation runs are keyed by output directory, which embeds the job ID.
func (p *MockPlugin) Cancel(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, ch := range p.cancel {
		if filepath.Base(key) == jobID {
			select {
			case <-ch:
			default:
				close(ch)
			}
			p.logger.Info().Str("job_id", jobID).Msg("Cancel requested for mock generation")
		}
	}
	return nil
}

// ListWorkflows names the pipelines the mock pretends to run
func (p *MockPlugin) ListWorkflows() []string {
	return []string{"flux-dev-lora", "sdxl-lora", "flux-schnell"}
}

// WorkflowInfo describes a mock workflow, nil when unknown
func (p *MockPlugin) WorkflowInfo(name string) (map[string]interface{}, error) {
	workflows := map[string]map[string]interface{}{
		"flux-dev-lora": {
			"name":          "flux-dev-lora",
			"description":   "FLUX.1-dev with LoRA support",
			"model":         "FLUX.1-dev",
			"supports_lora": true,
		},
		"sdxl-lora": {
			"name":          "sdxl-lora",
			"description":   "SDXL with LoRA support",
			"model":         "SDXL 1.0",
			"supports_lora": true,
		},
		"flux-schnell": {
			"name":          "flux-schnell",
			"description":   "FLUX.1-schnell for fast generation",
			"model":         "FLUX.1-schnell",
			"supports_lora": false,
		},
	}
	return workflows[name], nil
}

func (p *MockPlugin) cancelledResult(outputPaths []string) *models.GenerationResult {
	p.logger.Info().Msg("Generation cancelled by user")
	return &models.GenerationResult{
		Success:      false,
		OutputPaths:  outputPaths,
		ErrorMessage: "Generation cancelled by user",
	}
}

func (p *MockPlugin) register(key string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.cancel[key] = ch
	return ch
}

func (p *MockPlugin) unregister(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancel, key)
}
