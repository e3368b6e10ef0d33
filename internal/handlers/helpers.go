package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/effigo/internal/models"
)

// validate is the shared request-DTO validator. Struct tags live on the
// request types in internal/models.
var validate = validator.New()

// jobIDPattern bounds what a job id path segment may contain. Anything else
// is rejected before it can reach the filesystem.
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// sampleFilenamePattern bounds artifact sample filenames served back to
// clients.
var sampleFilenamePattern = regexp.MustCompile(`^[\w\-.]+$`)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps a service-layer error onto its HTTP status using
// the AppError kind. Plain errors become 500s.
func WriteServiceError(w http.ResponseWriter, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return WriteError(w, models.HTTPStatus(err), appErr.Message)
	}
	return WriteError(w, http.StatusInternalServerError, err.Error())
}

// ValidJobID reports whether a job id path segment is acceptable.
func ValidJobID(id string) bool {
	return id != "" && jobIDPattern.MatchString(id)
}

// ValidSampleFilename reports whether an artifact filename is acceptable.
func ValidSampleFilename(name string) bool {
	return name != "" && sampleFilenamePattern.MatchString(name)
}

// QueryInt reads an integer query parameter, falling back to def when the
// parameter is absent or unparseable.
func QueryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

// ClampLimit bounds a page size to 1..max, substituting def for zero or
// negative values.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
