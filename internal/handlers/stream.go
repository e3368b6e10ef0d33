package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// keepaliveInterval paces SSE keepalive frames so idle proxies keep the
// connection open.
const keepaliveInterval = 15 * time.Second

// streamJob serves a job's progress events over SSE. The first frame is a
// snapshot of the current record; a job already in a terminal state gets a
// single complete frame and the stream ends. Shared by the training,
// generation, and jobs stream endpoints.
func streamJob(w http.ResponseWriter, r *http.Request, logger arbor.ILogger, jobs interfaces.JobStorage, bus interfaces.ProgressBus, jobID string) {
	job, err := jobs.GetJob(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	log := logger.WithCorrelationId(job.CorrelationID)

	// Subscribe before the snapshot so nothing published in between is lost
	var events <-chan models.ProgressEvent
	var cancel func()
	if !job.IsTerminal() {
		events, cancel, err = bus.Subscribe(r.Context(), jobID)
		if err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("Failed to subscribe to job events")
			WriteError(w, http.StatusInternalServerError, "Failed to subscribe to job events")
			return
		}
		defer cancel()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot := snapshotEvent(job)
	if err := writeSSEFrame(w, flusher, snapshot); err != nil {
		return
	}
	if snapshot.IsTerminal() {
		return
	}

	log.Debug().Str("job_id", jobID).Msg("SSE stream opened")
	defer log.Debug().Str("job_id", jobID).Msg("SSE stream closed")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSEFrame(w, flusher, event); err != nil {
				return
			}
			if event.IsTerminal() {
				return
			}
		case <-keepalive.C:
			if err := writeSSEFrame(w, flusher, models.NewKeepaliveEvent(jobID)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// snapshotEvent projects the current job record onto a progress event
func snapshotEvent(job *models.Job) models.ProgressEvent {
	event := models.NewProgressEvent(job.ID, job.Status, job.Stage, job.Progress, job.Message)
	event.CurrentStep = job.CurrentStep
	event.TotalSteps = job.TotalSteps
	if job.Status == models.JobStatusFailed {
		event.Error = job.ErrorMessage
	}
	if job.Metrics.ElapsedSeconds > 0 {
		event.ElapsedSeconds = job.Metrics.ElapsedSeconds
	}
	return event
}

// writeSSEFrame emits one event: + data: frame and flushes it
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, event models.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.SSEEventName(), data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// cancelJob flips a non-terminal job to cancelled, publishes the terminal
// event, and signals the owning plugin. The record update lands before the
// publish. Shared by the training and generation cancel endpoints.
func cancelJob(w http.ResponseWriter, r *http.Request, logger arbor.ILogger, jobs interfaces.JobStorage, bus interfaces.ProgressBus, executor interfaces.JobExecutor, jobID string) {
	job, err := jobs.GetJob(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	log := logger.WithCorrelationId(job.CorrelationID)

	if job.IsTerminal() {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Cannot cancel job in %s state", job.Status))
		return
	}

	completedAt := time.Now().UTC()
	if err := jobs.UpdateJobStatus(r.Context(), jobID, models.JobStatusCancelled, map[string]interface{}{
		"completed_at": completedAt,
		"message":      "Job cancelled by user",
	}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job cancelled")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	event := models.NewProgressEvent(jobID, models.JobStatusCancelled, job.Stage, job.Progress, "Job cancelled by user")
	event.CurrentStep = job.CurrentStep
	event.TotalSteps = job.TotalSteps
	if err := bus.Publish(r.Context(), event); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish cancellation event")
	}

	if executor != nil {
		if err := executor.Cancel(jobID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Plugin cancellation signal failed")
		}
	}

	log.Info().
		Str("event", models.EventJobCancelled).
		Str("job_id", jobID).
		Msg("Job cancelled by user")

	cancelled, err := jobs.GetJob(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cancelled)
}
