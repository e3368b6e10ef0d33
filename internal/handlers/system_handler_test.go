package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSystemHandler(t *testing.T, f *handlerFixture) *SystemHandler {
	t.Helper()
	return NewSystemHandler(f.config, f.storage, nil, f.trainer, f.imager, f.logger)
}

func TestHealth(t *testing.T) {
	f := newHandlerFixture(t)
	h := newSystemHandler(t, f)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeJSON(t, rec)["status"])
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t)
	h := newSystemHandler(t, f)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReady_QueueDisabled(t *testing.T) {
	f := newHandlerFixture(t)
	h := newSystemHandler(t, f)

	rec := httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "fast-test", body["mode"])

	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "ok", deps["storage"])
	assert.Equal(t, "disabled", deps["queue"])
}

func TestReady_QueueEnabledWithoutService(t *testing.T) {
	f := newHandlerFixture(t)
	f.config.Queue.Enabled = true
	h := newSystemHandler(t, f)

	rec := httptest.NewRecorder()
	h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "not_ready", body["status"])

	deps := body["dependencies"].(map[string]interface{})
	assert.Contains(t, deps["queue"], "error")
}

func TestInfo(t *testing.T) {
	f := newHandlerFixture(t)
	h := newSystemHandler(t, f)

	rec := httptest.NewRecorder()
	h.HandleInfo(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "effigo", body["name"])
	assert.NotEmpty(t, body["version"])
	assert.Equal(t, "fast-test", body["mode"])

	// Capabilities advertise the service matrix, not the wired plugins
	caps := body["capabilities"].(map[string]interface{})
	training := caps["training"].([]interface{})
	assert.Contains(t, training, "lora")
	generation := caps["image_generation"].([]interface{})
	assert.Contains(t, generation, "comfyui")
	assert.NotContains(t, caps, "video")

	backends := body["backends"].(map[string]interface{})
	assert.Equal(t, "mock", backends["training"])
	assert.Equal(t, "mock", backends["generation"])
}

func TestVersion(t *testing.T) {
	f := newHandlerFixture(t)
	h := newSystemHandler(t, f)

	rec := httptest.NewRecorder()
	h.HandleVersion(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["version"])
	assert.Contains(t, body, "build")
	assert.Contains(t, body, "commit")
}
