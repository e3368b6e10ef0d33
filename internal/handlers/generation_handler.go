package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/capabilities"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/loras"
	"github.com/ternarybob/effigo/internal/models"
)

// GenerationHandler serves image generation job endpoints. Submission,
// listing, streaming, and cancellation mirror the training endpoints with a
// gen- job id prefix.
type GenerationHandler struct {
	config   *common.Config
	jobs     interfaces.JobStorage
	queue    interfaces.QueueService
	bus      interfaces.ProgressBus
	executor interfaces.JobExecutor
	imager   interfaces.ImagePlugin
	logger   arbor.ILogger
}

// NewGenerationHandler creates a generation handler. queue may be nil when
// queue mode is disabled.
func NewGenerationHandler(config *common.Config, storage interfaces.StorageManager, queue interfaces.QueueService, bus interfaces.ProgressBus, executor interfaces.JobExecutor, imager interfaces.ImagePlugin, logger arbor.ILogger) *GenerationHandler {
	return &GenerationHandler{
		config:   config,
		jobs:     storage.JobStorage(),
		queue:    queue,
		bus:      bus,
		executor: executor,
		imager:   imager,
		logger:   logger,
	}
}

// HandleGeneration handles GET (list) and POST (submit) on /api/generation
func (h *GenerationHandler) HandleGeneration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listJobs(w, r)
	case http.MethodPost:
		h.submitJob(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleGenerationByID handles /api/generation/{id} and its subroutes
func (h *GenerationHandler) HandleGenerationByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Expected: api/generation/{id}[/stream|/cancel]
	if len(parts) < 3 || parts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	id := parts[2]
	if !ValidJobID(id) {
		WriteError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	if len(parts) == 4 {
		switch parts[3] {
		case "stream":
			if !RequireMethod(w, r, http.MethodGet) {
				return
			}
			streamJob(w, r, h.logger, h.jobs, h.bus, id)
		case "cancel":
			if !RequireMethod(w, r, http.MethodPost) {
				return
			}
			cancelJob(w, r, h.logger, h.jobs, h.bus, h.executor, id)
		default:
			WriteError(w, http.StatusNotFound, "Not found")
		}
		return
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	h.getJob(w, r, id)
}

// POST /api/generation
func (h *GenerationHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	correlationID := common.CorrelationIDFromContext(r.Context())
	log := h.logger.WithCorrelationId(correlationID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var req models.GenerateImageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	// Keep the config object as submitted so keys the struct does not carry
	// still reach the wiring check instead of dropping at decode
	var envelope struct {
		Config json.RawMessage `json:"config"`
	}
	_ = json.Unmarshal(body, &envelope)

	config := req.Config
	config.ApplyDefaults()
	if err := validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid generation request: %v", err))
		return
	}
	if err := validate.Struct(&config); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid generation config: %v", err))
		return
	}
	if err := capabilities.ValidateGenerationSubmission(envelope.Config, h.imager.Capabilities()); err != nil {
		WriteServiceError(w, err)
		return
	}

	if config.LoraID != "" {
		if _, ok := loras.Latest(filepath.Join(h.config.LorasDir(), config.LoraID)); !ok {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("LoRA %s not found", config.LoraID))
			return
		}
	}

	configJSON, err := config.ToJSON()
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialize generation config")
		WriteError(w, http.StatusInternalServerError, "Failed to serialize generation config")
		return
	}

	job := models.NewGenerationJob(common.NewGenerationJobID(), configJSON, correlationID)
	if err := h.jobs.SaveJob(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("Failed to save generation job")
		WriteError(w, http.StatusInternalServerError, "Failed to save job")
		return
	}

	log.Info().
		Str("event", models.EventJobCreated).
		Str("job_id", job.ID).
		Int("count", req.Count).
		Msg("Generation job created")

	if h.config.QueueEnabled() && h.queue != nil {
		payload, err := json.Marshal(models.GenerationJobPayload{
			Config: configJSON,
			Count:  req.Count,
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to serialize queue payload")
			WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
			return
		}
		msg := models.NewQueueMessage(job.ID, models.JobTypeGeneration, payload, correlationID)
		if err := h.queue.Submit(r.Context(), interfaces.StreamGeneration, msg); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to submit job to queue")
			WriteServiceError(w, err)
			return
		}
		log.Info().
			Str("event", models.EventJobQueued).
			Str("job_id", job.ID).
			Str("stream", interfaces.StreamGeneration).
			Msg("Generation job queued")
	} else {
		execCtx := common.WithCorrelationID(context.Background(), correlationID)
		jobCopy := *job
		count := req.Count
		common.SafeGo(h.logger, "generation-"+job.ID, func() {
			if err := h.executor.ExecuteGeneration(execCtx, &jobCopy, count); err != nil {
				log.Error().Err(err).Str("job_id", jobCopy.ID).Msg("Generation execution failed")
			}
		})
	}

	WriteJSON(w, http.StatusCreated, job)
}

// GET /api/generation
func (h *GenerationHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{
		Type:   models.JobTypeGeneration,
		Limit:  ClampLimit(QueryInt(r, "limit", 50), 50, 200),
		Offset: QueryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = models.JobStatus(status)
	}

	jobs, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list generation jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GET /api/generation/{id}
func (h *GenerationHandler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
