package image

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/capabilities"
	"github.com/ternarybob/effigo/internal/httpclient"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// pollInterval is how often a submitted workflow is checked for completion
var pollInterval = time.Second

// ComfyUIPlugin generates images through a ComfyUI server: it builds a
// workflow graph per image, submits it via POST /prompt, polls /history
// until the run completes, and downloads the outputs via /view.
type ComfyUIPlugin struct {
	logger   arbor.ILogger
	baseURL  string
	client   *http.Client
	clientID string

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewComfyUIPlugin creates the production generation backend. baseURL is the
// ComfyUI server address, timeout bounds each HTTP request.
func NewComfyUIPlugin(logger arbor.ILogger, baseURL string, timeout time.Duration) *ComfyUIPlugin {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ComfyUIPlugin{
		logger:    logger,
		baseURL:   baseURL,
		client:    httpclient.NewDefaultHTTPClient(timeout),
		clientID:  uuid.New().String(),
		cancelled: make(map[string]bool),
	}
}

// Name returns the plugin identifier
func (p *ComfyUIPlugin) Name() string {
	return "comfyui"
}

// Capabilities returns the parameter wiring for the comfyui backend
func (p *ComfyUIPlugin) Capabilities() models.CapabilitySet {
	return capabilities.ComfyUIImage()
}

// CheckHealth verifies the ComfyUI server responds to /system_stats
func (p *ComfyUIPlugin) CheckHealth(ctx context.Context) error {
	var stats map[string]interface{}
	if err := httpclient.DoJSON(ctx, p.client, http.MethodGet, p.baseURL+"/system_stats", nil, &stats); err != nil {
		return models.Errorf(models.KindPluginUnavailable, "ComfyUI server not reachable at %s", p.baseURL)
	}
	return nil
}

// comfyHistoryEntry is the slice of the /history response we consume
type comfyHistoryEntry struct {
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []comfyImage `json:"images"`
	} `json:"outputs"`
}

type comfyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Generate runs one workflow per requested image so each gets its own seed,
// polling the server between submissions. Outputs land in outputDir.
func (p *ComfyUIPlugin) Generate(ctx context.Context, config models.GenerationConfig, outputDir, loraPath string, count int, progress interfaces.GenerationProgressFunc) (*models.GenerationResult, error) {
	jobID := filepath.Base(outputDir)
	p.setCancelled(jobID, false)
	defer p.clearCancelled(jobID)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &models.GenerationResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to create output directory: %v", err),
		}, nil
	}

	start := time.Now()
	totalSteps := config.Steps * count
	outputPaths := make([]string, 0, count)

	baseSeed := int64(time.Now().UnixNano() & 0x7fffffff)
	if config.Seed != nil {
		baseSeed = *config.Seed
	}

	for i := 0; i < count; i++ {
		if p.isCancelled(jobID) || ctx.Err() != nil {
			return &models.GenerationResult{
				Success:      false,
				OutputPaths:  outputPaths,
				ErrorMessage: "Generation cancelled by user",
			}, nil
		}

		seed := baseSeed + int64(i)
		graph := buildWorkflow(config, loraPath, seed)

		var submitResp struct {
			PromptID string `json:"prompt_id"`
		}
		submitReq := map[string]interface{}{
			"prompt":    graph,
			"client_id": p.clientID,
		}
		if err := httpclient.DoJSON(ctx, p.client, http.MethodPost, p.baseURL+"/prompt", submitReq, &submitResp); err != nil {
			return &models.GenerationResult{
				Success:      false,
				OutputPaths:  outputPaths,
				ErrorMessage: fmt.Sprintf("failed to submit workflow: %v", err),
			}, nil
		}

		p.logger.Info().
			Str("prompt_id", submitResp.PromptID).
			Int64("seed", seed).
			Msg(fmt.Sprintf("Submitted ComfyUI workflow %d/%d", i+1, count))

		if progress != nil {
			progress(models.GenerationProgress{
				CurrentStep: i * config.Steps,
				TotalSteps:  totalSteps,
				Message:     fmt.Sprintf("Generating image %d/%d", i+1, count),
			})
		}

		images, err := p.waitForCompletion(ctx, jobID, submitResp.PromptID)
		if err != nil {
			return &models.GenerationResult{
				Success:      false,
				OutputPaths:  outputPaths,
				ErrorMessage: err.Error(),
			}, nil
		}

		for _, img := range images {
			localPath, err := p.download(ctx, img, outputDir)
			if err != nil {
				return &models.GenerationResult{
					Success:      false,
					OutputPaths:  outputPaths,
					ErrorMessage: fmt.Sprintf("failed to download image: %v", err),
				}, nil
			}
			outputPaths = append(outputPaths, localPath)
		}

		if progress != nil {
			progress(models.GenerationProgress{
				CurrentStep: (i + 1) * config.Steps,
				TotalSteps:  totalSteps,
				Message:     fmt.Sprintf("Generated image %d/%d", i+1, count),
			})
		}
	}

	return &models.GenerationResult{
		Success:               true,
		OutputPaths:           outputPaths,
		GenerationTimeSeconds: time.Since(start).Seconds(),
		SeedUsed:              &baseSeed,
	}, nil
}

// Cancel interrupts the server's current execution and flags the job so the
// submit loop stops before the next image.
func (p *ComfyUIPlugin) Cancel(jobID string) error {
	p.setCancelled(jobID, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpclient.DoJSON(ctx, p.client, http.MethodPost, p.baseURL+"/interrupt", nil, nil); err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to interrupt ComfyUI execution")
		return err
	}
	p.logger.Info().Str("job_id", jobID).Msg("Interrupted ComfyUI execution")
	return nil
}

// ListWorkflows names the pipelines this backend can run
func (p *ComfyUIPlugin) ListWorkflows() []string {
	return []string{"flux-dev-lora", "sdxl-lora"}
}

// WorkflowInfo describes a workflow, nil when unknown
func (p *ComfyUIPlugin) WorkflowInfo(name string) (map[string]interface{}, error) {
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
	}
	return workflows[name], nil
}

// waitForCompletion polls /history until the prompt finishes or the job is
// cancelled. Returns the output image references.
func (p *ComfyUIPlugin) waitForCompletion(ctx context.Context, jobID, promptID string) ([]comfyImage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
		if p.isCancelled(jobID) {
			return nil, fmt.Errorf("Generation cancelled by user")
		}

		var history map[string]comfyHistoryEntry
		if err := httpclient.DoJSON(ctx, p.client, http.MethodGet, p.baseURL+"/history/"+promptID, nil, &history); err != nil {
			return nil, fmt.Errorf("failed to poll workflow status: %w", err)
		}

		entry, ok := history[promptID]
		if !ok {
			continue // still queued
		}
		if !entry.Status.Completed {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("workflow execution failed on the ComfyUI server")
			}
			continue
		}

		var images []comfyImage
		for _, out := range entry.Outputs {
			images = append(images, out.Images...)
		}
		if len(images) == 0 {
			return nil, fmt.Errorf("workflow completed but produced no images")
		}
		return images, nil
	}
}

// download fetches one output image via /view and writes it into outputDir
func (p *ComfyUIPlugin) download(ctx context.Context, img comfyImage, outputDir string) (string, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	data, err := httpclient.GetBytes(ctx, p.client, p.baseURL+"/view?"+q.Encode())
	if err != nil {
		return "", err
	}

	localPath := filepath.Join(outputDir, filepath.Base(img.Filename))
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image file: %w", err)
	}
	return localPath, nil
}

func (p *ComfyUIPlugin) setCancelled(jobID string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled[jobID] = v
}

func (p *ComfyUIPlugin) clearCancelled(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancelled, jobID)
}

func (p *ComfyUIPlugin) isCancelled(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[jobID]
}
