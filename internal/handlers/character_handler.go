package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// maxUploadMemory caps the in-memory portion of a multipart parse; larger
// parts spill to temp files.
const maxUploadMemory = 32 << 20

// trainingImageExtensions are the upload formats counted as training images
var trainingImageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
}

// CharacterHandler serves character CRUD and training image uploads.
type CharacterHandler struct {
	config     *common.Config
	characters interfaces.CharacterStorage
	logger     arbor.ILogger
}

// NewCharacterHandler creates a character handler
func NewCharacterHandler(config *common.Config, storage interfaces.StorageManager, logger arbor.ILogger) *CharacterHandler {
	return &CharacterHandler{
		config:     config,
		characters: storage.CharacterStorage(),
		logger:     logger,
	}
}

// HandleCharacters handles GET (list) and POST (create) on /api/characters
func (h *CharacterHandler) HandleCharacters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listCharacters(w, r)
	case http.MethodPost:
		h.createCharacter(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCharacterByID handles GET/PATCH/DELETE /api/characters/{id} and the
// /images subroutes.
func (h *CharacterHandler) HandleCharacterByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Expected: api/characters/{id} or api/characters/{id}/images
	if len(parts) < 3 || parts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Character ID is required")
		return
	}
	id := parts[2]

	if len(parts) == 4 && parts[3] == "images" {
		switch r.Method {
		case http.MethodGet:
			h.listImages(w, r, id)
		case http.MethodPost:
			h.uploadImages(w, r, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) != 3 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getCharacter(w, r, id)
	case http.MethodPatch:
		h.updateCharacter(w, r, id)
	case http.MethodDelete:
		h.deleteCharacter(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/characters
func (h *CharacterHandler) createCharacter(w http.ResponseWriter, r *http.Request) {
	correlationID := common.CorrelationIDFromContext(r.Context())
	log := h.logger.WithCorrelationId(correlationID)

	var req models.CreateCharacterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	character := models.NewCharacter(common.NewCharacterID(), req)
	if err := h.characters.SaveCharacter(r.Context(), character); err != nil {
		log.Error().Err(err).Msg("Failed to save character")
		WriteError(w, http.StatusInternalServerError, "Failed to save character")
		return
	}

	log.Info().
		Str("character_id", character.ID).
		Str("name", character.Name).
		Msg("Character created")
	WriteJSON(w, http.StatusCreated, character)
}

// GET /api/characters
func (h *CharacterHandler) listCharacters(w http.ResponseWriter, r *http.Request) {
	characters, err := h.characters.ListCharacters(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list characters")
		WriteError(w, http.StatusInternalServerError, "Failed to list characters")
		return
	}
	if characters == nil {
		characters = []*models.Character{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"characters": characters,
		"count":      len(characters),
	})
}

// GET /api/characters/{id}
func (h *CharacterHandler) getCharacter(w http.ResponseWriter, r *http.Request, id string) {
	character, err := h.characters.GetCharacter(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Character %s not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, character)
}

// PATCH /api/characters/{id}
func (h *CharacterHandler) updateCharacter(w http.ResponseWriter, r *http.Request, id string) {
	var req models.UpdateCharacterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	character, err := h.characters.GetCharacter(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Character %s not found", id))
		return
	}

	if character.ApplyUpdate(req) {
		if err := h.characters.UpdateCharacter(r.Context(), character); err != nil {
			h.logger.Error().Err(err).Str("character_id", id).Msg("Failed to update character")
			WriteError(w, http.StatusInternalServerError, "Failed to update character")
			return
		}
	}
	WriteJSON(w, http.StatusOK, character)
}

// DELETE /api/characters/{id}
func (h *CharacterHandler) deleteCharacter(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.characters.GetCharacter(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Character %s not found", id))
		return
	}
	if err := h.characters.DeleteCharacter(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("character_id", id).Msg("Failed to delete character")
		WriteError(w, http.StatusInternalServerError, "Failed to delete character")
		return
	}

	// Uploaded images go with the record
	if err := os.RemoveAll(filepath.Join(h.config.CharacterUploadsDir(), id)); err != nil {
		h.logger.Warn().Err(err).Str("character_id", id).Msg("Failed to remove character uploads")
	}

	h.logger.Info().Str("character_id", id).Msg("Character deleted")
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/characters/{id}/images
//
// Multipart upload of training images. Every file is validated (magic bytes,
// size, dimensions), its filename sanitized, and deduplicated against already
// uploaded content by SHA-256 hash.
func (h *CharacterHandler) uploadImages(w http.ResponseWriter, r *http.Request, id string) {
	correlationID := common.CorrelationIDFromContext(r.Context())
	log := h.logger.WithCorrelationId(correlationID)

	if _, err := h.characters.GetCharacter(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Character %s not found", id))
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		WriteError(w, http.StatusBadRequest, "No images in request")
		return
	}

	uploadDir := filepath.Join(h.config.CharacterUploadsDir(), id)
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		log.Error().Err(err).Msg("Failed to create upload directory")
		WriteError(w, http.StatusInternalServerError, "Failed to prepare upload directory")
		return
	}

	existing, err := existingContentHashes(uploadDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read existing uploads")
		WriteError(w, http.StatusInternalServerError, "Failed to read existing uploads")
		return
	}

	// Tiny fixtures are fine in fast-test mode
	minDim := 0
	if h.config.IsFastTest() {
		minDim = 1
	}

	uploaded := 0
	skipped := 0
	var errs []string

	for _, header := range files {
		if IsOversized(header.Size) {
			skipped++
			errs = append(errs, fmt.Sprintf("%s: exceeds %d MB", header.Filename, common.MaxFileSizeMB))
			continue
		}

		file, err := header.Open()
		if err != nil {
			skipped++
			errs = append(errs, fmt.Sprintf("%s: unreadable", header.Filename))
			continue
		}
		data, err := io.ReadAll(io.LimitReader(file, int64(common.MaxFileSizeMB*1024*1024)+1))
		file.Close()
		if err != nil {
			skipped++
			errs = append(errs, fmt.Sprintf("%s: unreadable", header.Filename))
			continue
		}

		if err := common.ValidateImageUpload(data, minDim); err != nil {
			skipped++
			errs = append(errs, fmt.Sprintf("%s: %v", header.Filename, err))
			continue
		}

		if common.IsDangerousFilename(header.Filename) {
			log.Warn().
				Str("character_id", id).
				Str("filename", header.Filename).
				Msg("Suspicious upload filename sanitized")
		}

		hash := common.ContentHash(data)
		if existing[hash] {
			skipped++
			continue
		}

		name := common.SanitizeFilename(header.Filename)
		dest := filepath.Join(uploadDir, name)
		if _, err := os.Stat(dest); err == nil {
			// Same name, different content: disambiguate with the hash prefix
			dest = filepath.Join(uploadDir, hash[:8]+"_"+name)
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			skipped++
			errs = append(errs, fmt.Sprintf("%s: write failed", header.Filename))
			continue
		}
		existing[hash] = true
		uploaded++
	}

	total, err := countTrainingImages(uploadDir)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count training images")
	}

	log.Info().
		Str("character_id", id).
		Int("uploaded", uploaded).
		Int("skipped", skipped).
		Int("total_images", total).
		Msg("Training images uploaded")

	response := map[string]interface{}{
		"uploaded":     uploaded,
		"skipped":      skipped,
		"total_images": total,
	}
	if len(errs) > 0 {
		response["errors"] = errs
	}
	WriteJSON(w, http.StatusOK, response)
}

// GET /api/characters/{id}/images
func (h *CharacterHandler) listImages(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.characters.GetCharacter(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Character %s not found", id))
		return
	}

	uploadDir := filepath.Join(h.config.CharacterUploadsDir(), id)
	entries, err := os.ReadDir(uploadDir)
	if err != nil && !os.IsNotExist(err) {
		h.logger.Error().Err(err).Str("character_id", id).Msg("Failed to read upload directory")
		WriteError(w, http.StatusInternalServerError, "Failed to read uploads")
		return
	}

	images := make([]map[string]interface{}, 0)
	for _, entry := range entries {
		if entry.IsDir() || !trainingImageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		images = append(images, map[string]interface{}{
			"filename":   entry.Name(),
			"size_bytes": info.Size(),
			"created_at": info.ModTime().UTC().Format(time.RFC3339),
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"character_id": id,
		"images":       images,
		"count":        len(images),
	})
}

// IsOversized reports whether a multipart part already exceeds the upload cap
// before its content is read.
func IsOversized(size int64) bool {
	return size > int64(common.MaxFileSizeMB)*1024*1024
}

// existingContentHashes hashes every file already in dir so re-uploads of the
// same content can be skipped.
func existingContentHashes(dir string) (map[string]bool, error) {
	hashes := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return hashes, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		hashes[common.ContentHash(data)] = true
	}
	return hashes, nil
}

// countTrainingImages counts files with a recognized image extension in dir
func countTrainingImages(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if trainingImageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			count++
		}
	}
	return count, nil
}
