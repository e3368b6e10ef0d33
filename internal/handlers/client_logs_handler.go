// -----------------------------------------------------------------------
// ClientLogsHandler - frontend log ingestion
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/models"
)

// ClientLogsHandler accepts batched log entries from the browser so frontend
// failures land in the same structured stream as server logs.
type ClientLogsHandler struct {
	logger arbor.ILogger
}

func NewClientLogsHandler(logger arbor.ILogger) *ClientLogsHandler {
	return &ClientLogsHandler{logger: logger}
}

// HandleClientLogs handles POST /api/client-logs
func (h *ClientLogsHandler) HandleClientLogs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var batch models.ClientLogBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&batch); err != nil {
		WriteError(w, http.StatusBadRequest, "Validation failed: entries must contain 1-100 items with a message each")
		return
	}

	correlationID := common.CorrelationIDFromContext(r.Context())
	log := h.logger.WithCorrelationId(correlationID)

	for _, entry := range batch.Entries {
		event := log.Info()
		switch strings.ToLower(entry.Level) {
		case models.LogLevelError, "fatal":
			event = log.Error()
		case models.LogLevelWarn, "warning":
			event = log.Warn()
		case models.LogLevelDebug, "trace":
			event = log.Debug()
		}
		event = event.Str("source", "client")
		if entry.Event != "" {
			event = event.Str("event", entry.Event)
		}
		if entry.Timestamp != "" {
			event = event.Str("client_timestamp", entry.Timestamp)
		}
		for k, v := range entry.Context {
			if common.IsSensitiveKey(k) {
				continue
			}
			event = event.Str(k, fmt.Sprintf("%v", v))
		}
		event.Msg("[CLIENT] " + common.RedactString(entry.Message))
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"received":       len(batch.Entries),
		"correlation_id": correlationID,
	})
}
