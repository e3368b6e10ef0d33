package training

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

// MockPlugin simulates a LoRA training run without touching a GPU. It paces
// through the configured step count, decays a synthetic loss, writes sample
// previews and a placeholder model file, so the whole pipeline can be
// exercised in fast-test mode.
type MockPlugin struct {
	logger       arbor.ILogger
	artifactsDir string

	// StepDelay paces the simulated run. Small enough that full runs finish
	// in seconds, large enough that progress streaming is observable.
	StepDelay time.Duration

	mu     sync.Mutex
	cancel map[string]chan struct{}
}

// NewMockPlugin creates the fast-test training backend. artifactsDir is the
// per-job artifact root where sample previews are written.
func NewMockPlugin(logger arbor.ILogger, artifactsDir string) *MockPlugin {
	return &MockPlugin{
		logger:       logger,
		artifactsDir: artifactsDir,
		StepDelay:    20 * time.Millisecond,
		cancel:       make(map[string]chan struct{}),
	}
}

// Name returns the plugin identifier
func (p *MockPlugin) Name() string {
	return "mock"
}

// SupportedMethods lists the training methods the mock accepts
func (p *MockPlugin) SupportedMethods() []string {
	return []string{models.TrainingMethodLora}
}

// Capabilities returns the parameter wiring for the mock backend
func (p *MockPlugin) Capabilities() models.CapabilitySet {
	return capabilities.MockTraining()
}

// ValidateConfig checks the config against the mock's capability set
func (p *MockPlugin) ValidateConfig(config models.TrainingConfig) error {
	if config.Method != models.TrainingMethodLora {
		return models.Errorf(models.KindValidationRejected,
			"Training method '%s' is not supported", config.Method)
	}
	return capabilities.ValidateTrainingConfig(config, p.Capabilities())
}

// Train simulates a full training run. Loss starts at 0.5 and decays by a
// factor of 0.999 per step; a sample preview is written every quarter of the
// run. Cancellation via ctx or Cancel stops between steps.
func (p *MockPlugin) Train(ctx context.Context, jobID string, config models.TrainingConfig, imagesDir, outputPath, triggerWord string, progress interfaces.TrainingProgressFunc) (*models.TrainingResult, error) {
	cancelCh := p.register(jobID)
	defer p.unregister(jobID)

	p.logger.Info().
		Str("job_id", jobID).
		Str("images_dir", imagesDir).
		Str("output_path", outputPath).
		Str("trigger_word", triggerWord).
		Int("steps", config.Steps).
		Msg("Starting mock training")

	start := time.Now()
	totalSteps := config.Steps
	loss := 0.5
	samplesGenerated := 0

	sampleEvery := totalSteps / 4
	logEvery := totalSteps / 10
	if logEvery == 0 {
		logEvery = 1
	}

	for step := 1; step <= totalSteps; step++ {
		select {
		case <-ctx.Done():
			p.logger.Info().Str("job_id", jobID).Msg("Training cancelled by user")
			return &models.TrainingResult{
				Success:      false,
				ErrorMessage: "Training cancelled by user",
			}, nil
		case <-cancelCh:
			p.logger.Info().Str("job_id", jobID).Msg("Training cancelled by user")
			return &models.TrainingResult{
				Success:      false,
				ErrorMessage: "Training cancelled by user",
			}, nil
		case <-time.After(p.StepDelay):
		}

		loss *= 0.999

		update := models.TrainingProgress{
			CurrentStep:  step,
			TotalSteps:   totalSteps,
			Message:      fmt.Sprintf("Training step %d/%d", step, totalSteps),
			Loss:         floatPtr(loss),
			LearningRate: floatPtr(config.LearningRate),
		}

		if sampleEvery > 0 && step%sampleEvery == 0 {
			samplePath, err := p.writeSample(jobID, step, config)
			if err != nil {
				p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to write sample preview")
			} else {
				update.PreviewPath = samplePath
				samplesGenerated++
			}
		}

		if progress != nil {
			progress(update)
		}

		if step%logEvery == 0 {
			p.logger.Info().
				Str("job_id", jobID).
				Int("step", step).
				Int("total", totalSteps).
				Float64("loss", loss).
				Msg(fmt.Sprintf("Training progress: %d/%d", step, totalSteps))
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return &models.TrainingResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to create output directory: %v", err),
		}, nil
	}

	// Placeholder model, not a real safetensors file
	content := fmt.Sprintf("MOCK_LORA_MODEL_PLACEHOLDER\ntrigger_word=%s\nsteps=%d\nfinal_loss=%f\n",
		triggerWord, totalSteps, loss)
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return &models.TrainingResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to write model file: %v", err),
		}, nil
	}

	p.logger.Info().
		Str("job_id", jobID).
		Str("output_path", outputPath).
		Float64("final_loss", loss).
		Msg("Mock training completed successfully")

	return &models.TrainingResult{
		Success:             true,
		OutputPath:          outputPath,
		TotalSteps:          totalSteps,
		FinalLoss:           floatPtr(loss),
		TrainingTimeSeconds: time.Since(start).Seconds(),
		SamplesGenerated:    samplesGenerated,
	}, nil
}

// Cancel signals a running mock training to stop at the next step boundary
func (p *MockPlugin) Cancel(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.cancel[jobID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
		p.logger.Info().Str("job_id", jobID).Msg("Cancel requested for mock training")
	}
	return nil
}

func (p *MockPlugin) register(jobID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.cancel[jobID] = ch
	return ch
}

func (p *MockPlugin) unregister(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancel, jobID)
}

func (p *MockPlugin) writeSample(jobID string, step int, config models.TrainingConfig) (string, error) {
	dir := filepath.Join(p.artifactsDir, jobID, "samples")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := plugins.PlaceholderPNG(config.Resolution, config.Resolution, fmt.Sprintf("%s-step-%d", jobID, step))
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("step_%d.png", step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func floatPtr(v float64) *float64 {
	f := v
	return &f
}
