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
	"github.com/ternarybob/effigo/internal/models"
)

// TrainingHandler serves training job submission and lifecycle endpoints.
// In queue mode submissions go to the Redis stream for a worker to pick up;
// otherwise the executor runs them directly on a background goroutine.
type TrainingHandler struct {
	config     *common.Config
	jobs       interfaces.JobStorage
	characters interfaces.CharacterStorage
	queue      interfaces.QueueService
	bus        interfaces.ProgressBus
	executor   interfaces.JobExecutor
	trainer    interfaces.TrainingPlugin
	logger     arbor.ILogger
}

// NewTrainingHandler creates a training handler. queue may be nil when queue
// mode is disabled.
func NewTrainingHandler(config *common.Config, storage interfaces.StorageManager, queue interfaces.QueueService, bus interfaces.ProgressBus, executor interfaces.JobExecutor, trainer interfaces.TrainingPlugin, logger arbor.ILogger) *TrainingHandler {
	return &TrainingHandler{
		config:     config,
		jobs:       storage.JobStorage(),
		characters: storage.CharacterStorage(),
		queue:      queue,
		bus:        bus,
		executor:   executor,
		trainer:    trainer,
		logger:     logger,
	}
}

// HandleTraining handles GET (list) and POST (submit) on /api/training
func (h *TrainingHandler) HandleTraining(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listJobs(w, r)
	case http.MethodPost:
		h.submitJob(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTrainingByID handles /api/training/{id} and its subroutes
func (h *TrainingHandler) HandleTrainingByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Expected: api/training/{id}[/stream|/cancel]
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

// POST /api/training
func (h *TrainingHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	correlationID := common.CorrelationIDFromContext(r.Context())
	log := h.logger.WithCorrelationId(correlationID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var req models.StartTrainingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CharacterID == "" {
		WriteError(w, http.StatusBadRequest, "character_id is required")
		return
	}

	// Keep the config object as submitted so keys the struct does not carry
	// still reach the wiring check instead of dropping at decode
	var envelope struct {
		Config json.RawMessage `json:"config"`
	}
	_ = json.Unmarshal(body, &envelope)

	config := req.Config
	config.ApplyDefaults()
	if err := validate.Struct(&config); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid training config: %v", err))
		return
	}
	if !capabilities.IsTrainingMethodSupported(config.Method) || !methodSupported(h.trainer, config.Method) {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Training method '%s' is not supported", config.Method))
		return
	}
	if err := capabilities.ValidateTrainingSubmission(envelope.Config, h.trainer.Capabilities()); err != nil {
		WriteServiceError(w, err)
		return
	}

	character, err := h.characters.GetCharacter(r.Context(), req.CharacterID)
	if err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Character %s not found", req.CharacterID))
		return
	}

	imageCount, err := countTrainingImages(filepath.Join(h.config.CharacterUploadsDir(), character.ID))
	if err != nil {
		log.Error().Err(err).Str("character_id", character.ID).Msg("Failed to count training images")
		WriteError(w, http.StatusInternalServerError, "Failed to inspect training images")
		return
	}
	if imageCount == 0 {
		WriteError(w, http.StatusBadRequest, "No training images uploaded for this character")
		return
	}

	configJSON, err := config.ToJSON()
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialize training config")
		WriteError(w, http.StatusInternalServerError, "Failed to serialize training config")
		return
	}

	job := models.NewTrainingJob(common.NewTrainingJobID(), character.ID, configJSON, correlationID)
	if req.PresetName != "" {
		job.PresetName = req.PresetName
	}
	if req.BaseModel != "" {
		job.BaseModel = req.BaseModel
	}
	if err := h.jobs.SaveJob(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("Failed to save training job")
		WriteError(w, http.StatusInternalServerError, "Failed to save job")
		return
	}

	log.Info().
		Str("event", models.EventJobCreated).
		Str("job_id", job.ID).
		Str("character_id", character.ID).
		Int("steps", config.Steps).
		Int("image_count", imageCount).
		Msg("Training job created")

	if h.config.QueueEnabled() && h.queue != nil {
		payload, err := json.Marshal(models.TrainingJobPayload{
			CharacterID: character.ID,
			TriggerWord: character.EffectiveTriggerWord(),
			Config:      configJSON,
			PresetName:  job.PresetName,
			BaseModel:   job.BaseModel,
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to serialize queue payload")
			WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
			return
		}
		msg := models.NewQueueMessage(job.ID, models.JobTypeTraining, payload, correlationID)
		if err := h.queue.Submit(r.Context(), interfaces.StreamTraining, msg); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to submit job to queue")
			WriteServiceError(w, err)
			return
		}
		log.Info().
			Str("event", models.EventJobQueued).
			Str("job_id", job.ID).
			Str("stream", interfaces.StreamTraining).
			Msg("Training job queued")
	} else {
		execCtx := common.WithCorrelationID(context.Background(), correlationID)
		jobCopy := *job
		charCopy := *character
		common.SafeGo(h.logger, "training-"+job.ID, func() {
			if err := h.executor.ExecuteTraining(execCtx, &jobCopy, &charCopy); err != nil {
				log.Error().Err(err).Str("job_id", jobCopy.ID).Msg("Training execution failed")
			}
		})
	}

	WriteJSON(w, http.StatusCreated, job)
}

// GET /api/training
func (h *TrainingHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{
		Type:        models.JobTypeTraining,
		CharacterID: r.URL.Query().Get("character_id"),
		Limit:       ClampLimit(QueryInt(r, "limit", 50), 50, 200),
		Offset:      QueryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = models.JobStatus(status)
	}

	jobs, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list training jobs")
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

// GET /api/training/{id}
func (h *TrainingHandler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// methodSupported reports whether the training backend serves the method
func methodSupported(trainer interfaces.TrainingPlugin, method string) bool {
	if trainer == nil {
		return false
	}
	for _, m := range trainer.SupportedMethods() {
		if m == method {
			return true
		}
	}
	return false
}
