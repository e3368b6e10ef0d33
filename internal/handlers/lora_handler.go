// -----------------------------------------------------------------------
// LoraHandler - trained model listing
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/loras"
)

// LoraHandler serves the trained-model inventory scanned from the volume
type LoraHandler struct {
	config *common.Config
	logger arbor.ILogger
}

func NewLoraHandler(config *common.Config, logger arbor.ILogger) *LoraHandler {
	return &LoraHandler{
		config: config,
		logger: logger,
	}
}

// HandleLoras handles GET /api/loras
func (h *LoraHandler) HandleLoras(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	infos, err := loras.Scan(h.config.LorasDir())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to scan loras directory")
		WriteError(w, http.StatusInternalServerError, "Failed to list LoRA models")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"loras":       infos,
		"total_count": len(infos),
	})
}
