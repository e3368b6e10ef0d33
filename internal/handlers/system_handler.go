package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/capabilities"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
)

// SystemHandler serves the liveness, readiness, and identity endpoints.
type SystemHandler struct {
	config  *common.Config
	storage interfaces.StorageManager
	queue   interfaces.QueueService
	trainer interfaces.TrainingPlugin
	imager  interfaces.ImagePlugin
	logger  arbor.ILogger
}

// NewSystemHandler creates a system handler. queue may be nil when queue
// mode is disabled.
func NewSystemHandler(config *common.Config, storage interfaces.StorageManager, queue interfaces.QueueService, trainer interfaces.TrainingPlugin, imager interfaces.ImagePlugin, logger arbor.ILogger) *SystemHandler {
	return &SystemHandler{
		config:  config,
		storage: storage,
		queue:   queue,
		trainer: trainer,
		imager:  imager,
		logger:  logger,
	}
}

// HandleHealth handles GET /health
func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleReady handles GET /ready. Readiness probes every dependency the
// running mode needs, so a worker with a dead Redis reports not-ready while
// a single-process deployment ignores the queue entirely.
func (h *SystemHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	dependencies := make(map[string]string)
	ready := true

	if h.storage != nil {
		dependencies["storage"] = "ok"
	} else {
		dependencies["storage"] = "missing"
		ready = false
	}

	if h.config.QueueEnabled() {
		if h.queue == nil {
			dependencies["queue"] = "error: queue service not initialized"
			ready = false
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.queue.Ping(ctx); err != nil {
				dependencies["queue"] = "error: " + err.Error()
				ready = false
			} else {
				dependencies["queue"] = "ok"
			}
		}
	} else {
		dependencies["queue"] = "disabled"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]interface{}{
		"status":       status,
		"mode":         h.config.Mode,
		"dependencies": dependencies,
	})
}

// HandleInfo handles GET /info. Capabilities come from the service matrix,
// not the wired plugins: the matrix advertises what the service can do, the
// backends field says what this process is running it with.
func (h *SystemHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"name":         "effigo",
		"version":      common.GetVersion(),
		"mode":         h.config.Mode,
		"capabilities": capabilities.Supported(),
		"backends": map[string]string{
			"training":   pluginName(h.trainer),
			"generation": imagerName(h.imager),
		},
	})
}

// HandleVersion handles GET /api/version
func (h *SystemHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func pluginName(trainer interfaces.TrainingPlugin) string {
	if trainer == nil {
		return ""
	}
	return trainer.Name()
}

func imagerName(imager interfaces.ImagePlugin) string {
	if imager == nil {
		return ""
	}
	return imager.Name()
}
