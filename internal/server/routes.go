// -----------------------------------------------------------------------
// Routes - HTTP route table
// -----------------------------------------------------------------------

package server

import (
	"net/http"

	"github.com/ternarybob/effigo/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Probes and system info
	mux.HandleFunc("/health", s.app.SystemHandler.HandleHealth)
	mux.HandleFunc("/ready", s.app.SystemHandler.HandleReady)
	mux.HandleFunc("/info", s.app.SystemHandler.HandleInfo)

	// WebSocket dashboard feed
	mux.HandleFunc("/ws/events", s.app.WSHandler.HandleWebSocket)

	// API routes - Characters
	mux.HandleFunc("/api/characters", s.app.CharacterHandler.HandleCharacters)     // GET (list), POST (create)
	mux.HandleFunc("/api/characters/", s.app.CharacterHandler.HandleCharacterByID) // GET/PATCH/DELETE /{id}, /{id}/images

	// API routes - Training jobs
	mux.HandleFunc("/api/training", s.app.TrainingHandler.HandleTraining)      // GET (list), POST (submit)
	mux.HandleFunc("/api/training/", s.app.TrainingHandler.HandleTrainingByID) // GET /{id}, /{id}/stream, /{id}/cancel

	// API routes - Generation jobs
	mux.HandleFunc("/api/generation", s.app.GenerationHandler.HandleGeneration)      // GET (list), POST (submit)
	mux.HandleFunc("/api/generation/", s.app.GenerationHandler.HandleGenerationByID) // GET /{id}, /{id}/stream, /{id}/cancel

	// API routes - Job observability (logs, artifacts, streams, bundles)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.HandleJobRoutes)

	// API routes - Trained models
	mux.HandleFunc("/api/loras", s.app.LoraHandler.HandleLoras)

	// API routes - UELR interaction register
	mux.HandleFunc("/api/uelr/interactions", s.app.InteractionHandler.HandleInteractions)
	mux.HandleFunc("/api/uelr/interactions/", s.app.InteractionHandler.HandleInteractionByID)
	mux.HandleFunc("/api/uelr/cleanup", s.app.InteractionHandler.HandleCleanup)

	// API routes - Client log ingestion
	mux.HandleFunc("/api/client-logs", s.app.ClientLogsHandler.HandleClientLogs)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.SystemHandler.HandleVersion)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// notFoundHandler returns a JSON 404 for unknown API paths
func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, "Not found")
}
