package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
	"github.com/ternarybob/effigo/internal/plugins/image"
	queueredis "github.com/ternarybob/effigo/internal/queue/redis"
)

func newGenerationHandler(t *testing.T) (*GenerationHandler, *handlerFixture) {
	t.Helper()
	f := newHandlerFixture(t)
	h := NewGenerationHandler(f.config, f.storage, nil, f.bus, f.exec, f.imager, f.logger)
	return h, f
}

func submitGeneration(t *testing.T, h *GenerationHandler, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleGeneration(rec, jsonRequest(t, http.MethodPost, "/api/generation", payload))
	return rec
}

// seedLora places a trained model file so lora_id references resolve
func seedLora(t *testing.T, f *handlerFixture, characterID string) {
	t.Helper()
	dir := filepath.Join(f.config.LorasDir(), characterID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.safetensors"), []byte("model"), 0o644))
}

func TestSubmitGeneration_DirectMode(t *testing.T) {
	h, f := newGenerationHandler(t)

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{Prompt: "portrait photo", Steps: 4},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeJSON(t, rec)
	jobID := body["id"].(string)
	assert.True(t, strings.HasPrefix(jobID, "gen-"))
	assert.Equal(t, "generation", body["type"])
	assert.Equal(t, "queued", body["status"])

	// Count defaults to one image
	require.Eventually(t, func() bool {
		job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
		return err == nil && job.Status == models.JobStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, job.OutputPaths, 1)
	assert.FileExists(t, job.OutputPaths[0])
}

func TestSubmitGeneration_MultipleImages(t *testing.T) {
	h, f := newGenerationHandler(t)

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{Prompt: "portrait photo", Steps: 2},
		Count:  3,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decodeJSON(t, rec)["id"].(string)

	require.Eventually(t, func() bool {
		job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
		return err == nil && job.Status == models.JobStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Len(t, job.OutputPaths, 3)
}

func TestSubmitGeneration_AppliesConfigDefaults(t *testing.T) {
	h, f := newGenerationHandler(t)

	rec := submitGeneration(t, h, map[string]interface{}{
		"config": map[string]interface{}{"prompt": "portrait photo", "steps": 2},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeJSON(t, rec)
	jobID := body["id"].(string)

	config := body["config"].(map[string]interface{})
	assert.Equal(t, float64(1024), config["width"])
	assert.Equal(t, float64(1024), config["height"])
	assert.Equal(t, 7.5, config["guidance_scale"])
	assert.Equal(t, 0.8, config["lora_strength"])

	require.Eventually(t, func() bool {
		job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
		return err == nil && job.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSubmitGeneration_InvalidBody(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := httptest.NewRecorder()
	h.HandleGeneration(rec, httptest.NewRequest(http.MethodPost, "/api/generation", strings.NewReader("{bad")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeJSON(t, rec)["error"])
}

func TestSubmitGeneration_CountTooHigh(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{Prompt: "portrait photo"},
		Count:  9,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["error"], "Invalid generation request")
}

func TestSubmitGeneration_MissingPrompt(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["error"], "Invalid generation config")
}

func TestSubmitGeneration_LoraNotFound(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{Prompt: "portrait photo", LoraID: "char-nolora1"},
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "LoRA char-nolora1 not found", decodeJSON(t, rec)["error"])
}

func TestSubmitGeneration_UnwiredParameterRejected(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := submitGeneration(t, h, map[string]interface{}{
		"config": map[string]interface{}{
			"prompt":  "portrait photo",
			"sampler": "euler",
		},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Parameter 'sampler' not supported by mock: Sampler is pinned by the workflow template", decodeJSON(t, rec)["error"])
}

func TestSubmitGeneration_UnsupportedToggleRejected(t *testing.T) {
	f := newHandlerFixture(t)
	comfy := image.NewComfyUIPlugin(f.logger, "http://127.0.0.1:1", time.Second)
	h := NewGenerationHandler(f.config, f.storage, nil, f.bus, f.exec, comfy, f.logger)

	rec := submitGeneration(t, h, map[string]interface{}{
		"config": map[string]interface{}{
			"prompt":      "portrait photo",
			"use_upscale": true,
		},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Feature 'use_upscale' not supported by comfyui: Upscale pass not present in the bundled workflows", decodeJSON(t, rec)["error"])
}

func TestSubmitGeneration_WithLora(t *testing.T) {
	h, f := newGenerationHandler(t)
	seedLora(t, f, "char-haslora1")

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{Prompt: "portrait photo", Steps: 2, LoraID: "char-haslora1"},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decodeJSON(t, rec)["id"].(string)

	require.Eventually(t, func() bool {
		job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
		return err == nil && job.Status == models.JobStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSubmitGeneration_QueueMode(t *testing.T) {
	f := newHandlerFixture(t)
	mr := miniredis.RunT(t)
	f.config.Queue = common.QueueConfig{
		Enabled:  true,
		RedisURL: "redis://" + mr.Addr(),
	}

	queue, err := queueredis.NewService(f.logger, &f.config.Queue)
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })
	require.NoError(t, queue.EnsureGroups(context.Background()))

	h := NewGenerationHandler(f.config, f.storage, queue, f.bus, f.exec, f.imager, f.logger)

	rec := submitGeneration(t, h, models.GenerateImageRequest{
		Config: models.GenerationConfig{Prompt: "portrait photo", Steps: 4},
		Count:  2,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decodeJSON(t, rec)["id"].(string)

	got, err := queue.Consume(context.Background(), "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, interfaces.StreamGeneration, got.Stream)
	assert.Equal(t, jobID, got.Message.ID)

	var payload models.GenerationJobPayload
	require.NoError(t, json.Unmarshal([]byte(got.Message.Payload), &payload))
	assert.Equal(t, 2, payload.Count)

	job, err := f.storage.JobStorage().GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestListGenerationJobs(t *testing.T) {
	h, f := newGenerationHandler(t)
	f.seedGenerationJob(t, "gen-list00000002", models.JobStatusQueued)
	f.seedGenerationJob(t, "gen-list00000003", models.JobStatusCompleted)
	f.seedTrainingJob(t, "train-list0000004", "char-c0000001", models.JobStatusQueued)

	rec := httptest.NewRecorder()
	h.HandleGeneration(rec, httptest.NewRequest(http.MethodGet, "/api/generation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeJSON(t, rec)["count"], "training jobs must not appear")

	rec = httptest.NewRecorder()
	h.HandleGeneration(rec, httptest.NewRequest(http.MethodGet, "/api/generation?status=completed", nil))
	body := decodeJSON(t, rec)
	require.Equal(t, float64(1), body["count"])
	job := body["jobs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "gen-list00000003", job["id"])
}

func TestGetGenerationJob(t *testing.T) {
	h, f := newGenerationHandler(t)
	f.seedGenerationJob(t, "gen-get000000001", models.JobStatusQueued)

	rec := httptest.NewRecorder()
	h.HandleGenerationByID(rec, httptest.NewRequest(http.MethodGet, "/api/generation/gen-get000000001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gen-get000000001", decodeJSON(t, rec)["id"])
}

func TestGetGenerationJob_NotFound(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := httptest.NewRecorder()
	h.HandleGenerationByID(rec, httptest.NewRequest(http.MethodGet, "/api/generation/gen-missing00001", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelGeneration_AlreadyTerminal(t *testing.T) {
	h, f := newGenerationHandler(t)
	job := f.seedGenerationJob(t, "gen-cancel000001", models.JobStatusFailed)

	rec := httptest.NewRecorder()
	h.HandleGenerationByID(rec, httptest.NewRequest(http.MethodPost, "/api/generation/"+job.ID+"/cancel", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Cannot cancel job in failed state", decodeJSON(t, rec)["error"])
}

func TestHandleGeneration_MethodNotAllowed(t *testing.T) {
	h, _ := newGenerationHandler(t)

	rec := httptest.NewRecorder()
	h.HandleGeneration(rec, httptest.NewRequest(http.MethodPut, "/api/generation", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
