// -----------------------------------------------------------------------
// InteractionHandler - UELR interaction register endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// InteractionHandler exposes the UELR register: frontend-driven interaction
// traces with steps, completion, bundles and retention cleanup.
type InteractionHandler struct {
	register interfaces.InteractionService
	logger   arbor.ILogger
}

func NewInteractionHandler(register interfaces.InteractionService, logger arbor.ILogger) *InteractionHandler {
	return &InteractionHandler{
		register: register,
		logger:   logger,
	}
}

// interactionResponse is the Get shape: header fields with steps inlined
type interactionResponse struct {
	*models.Interaction
	Steps []models.InteractionStep `json:"steps"`
}

// HandleInteractions handles the collection routes:
//
//	GET  /api/uelr/interactions
//	POST /api/uelr/interactions
func (h *InteractionHandler) HandleInteractions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listInteractions(w, r)
	case http.MethodPost:
		h.createInteraction(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleInteractionByID dispatches the per-interaction routes:
//
//	GET    /api/uelr/interactions/{id}
//	DELETE /api/uelr/interactions/{id}
//	POST   /api/uelr/interactions/{id}/steps
//	PUT    /api/uelr/interactions/{id}/complete
//	GET    /api/uelr/interactions/{id}/bundle
func (h *InteractionHandler) HandleInteractionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		WriteError(w, http.StatusBadRequest, "Interaction ID is required")
		return
	}
	id := parts[3]

	if len(parts) == 5 {
		switch parts[4] {
		case "steps":
			if !RequireMethod(w, r, http.MethodPost) {
				return
			}
			h.appendSteps(w, r, id)
		case "complete":
			if !RequireMethod(w, r, http.MethodPut) {
				return
			}
			h.completeInteraction(w, r, id)
		case "bundle":
			if !RequireMethod(w, r, http.MethodGet) {
				return
			}
			h.downloadBundle(w, r, id)
		default:
			WriteError(w, http.StatusNotFound, "Not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getInteraction(w, r, id)
	case http.MethodDelete:
		h.deleteInteraction(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCleanup handles POST /api/uelr/cleanup?retention_days=N
func (h *InteractionHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	retentionDays := 30
	if raw := r.URL.Query().Get("retention_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, "retention_days must be a positive integer")
			return
		}
		retentionDays = n
	}

	deleted, err := h.register.Cleanup(r.Context(), retentionDays)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}

func (h *InteractionHandler) createInteraction(w http.ResponseWriter, r *http.Request) {
	var req models.CreateInteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	interaction := &models.Interaction{
		InteractionID: req.InteractionID,
		CorrelationID: req.CorrelationID,
		ActionName:    req.ActionName,
		Description:   req.Description,
		StartedAt:     req.StartedAt,
		Context:       req.Context,
	}

	result, _, err := h.register.Create(r.Context(), interaction)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, result)
}

func (h *InteractionHandler) listInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.InteractionFilter{
		ActionName:    q.Get("action_name"),
		Status:        models.InteractionStatus(q.Get("status")),
		CorrelationID: q.Get("correlation_id"),
		From:          q.Get("from"),
		To:            q.Get("to"),
		Offset:        QueryInt(r, "offset", 0),
		Limit:         ClampLimit(QueryInt(r, "limit", 50), 50, 100),
	}

	list, err := h.register.List(r.Context(), filter)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, list)
}

func (h *InteractionHandler) getInteraction(w http.ResponseWriter, r *http.Request, id string) {
	header, steps, err := h.register.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if steps == nil {
		steps = []models.InteractionStep{}
	}

	WriteJSON(w, http.StatusOK, interactionResponse{
		Interaction: header,
		Steps:       steps,
	})
}

func (h *InteractionHandler) appendSteps(w http.ResponseWriter, r *http.Request, id string) {
	var req models.AppendStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Steps) == 0 {
		WriteError(w, http.StatusBadRequest, "steps must contain at least one entry")
		return
	}

	appended, err := h.register.AppendSteps(r.Context(), id, req.Steps)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"appended": appended,
	})
}

func (h *InteractionHandler) completeInteraction(w http.ResponseWriter, r *http.Request, id string) {
	var req models.CompleteInteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.IsValid() {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid interaction status: %s", req.Status))
		return
	}

	header, err := h.register.Complete(r.Context(), id, req.Status, req.ErrorSummary)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, header)
}

func (h *InteractionHandler) downloadBundle(w http.ResponseWriter, r *http.Request, id string) {
	data, filename, err := h.register.Bundle(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().
		Str("interaction_id", id).
		Int("size_bytes", len(data)).
		Msg("Serving UELR bundle")

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *InteractionHandler) deleteInteraction(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.register.Delete(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
	})
}
