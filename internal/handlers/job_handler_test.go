package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/effigo/internal/logs"
	"github.com/ternarybob/effigo/internal/models"
)

func newJobHandler(t *testing.T) (*JobHandler, *handlerFixture) {
	t.Helper()
	f := newHandlerFixture(t)
	h := NewJobHandler(f.config, f.storage, f.bus, f.logger)
	return h, f
}

func jobGet(t *testing.T, h *JobHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleJobRoutes(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// writeJobLog seeds the per-job JSONL file the log endpoints read
func writeJobLog(t *testing.T, f *handlerFixture, jobID string, entries []models.LogEntry) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(f.config.JobLogDir(), 0o755))
	path := logs.JobLogPath(f.config.JobLogDir(), jobID)
	var buf bytes.Buffer
	for _, e := range entries {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		buf.Write(data)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// writeSamples seeds PNG previews under the job's artifact samples directory
func writeSamples(t *testing.T, f *handlerFixture, jobID string, names ...string) {
	t.Helper()
	dir := filepath.Join(f.config.ArtifactsDir(), jobID, "samples")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), testPNG(4, 4, byte(i)), 0o644))
	}
}

func TestGetJob(t *testing.T) {
	h, f := newJobHandler(t)
	f.seedTrainingJob(t, "train-job0000001", "char-j0000001", models.JobStatusRunning)

	rec := jobGet(t, h, "/api/jobs/train-job0000001")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "train-job0000001", body["id"])
	assert.Equal(t, "running", body["status"])
}

func TestGetJob_NotFound(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train-missing001")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobRoutes_InvalidID(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train*bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t,
		"Invalid job ID format. Only alphanumeric characters, hyphens, and underscores are allowed.",
		decodeJSON(t, rec)["error"])
}

func TestJobRoutes_MissingID(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Job ID is required", decodeJSON(t, rec)["error"])
}

func TestJobRoutes_UnknownSubroute(t *testing.T) {
	h, f := newJobHandler(t)
	f.seedTrainingJob(t, "train-job0000002", "char-j0000002", models.JobStatusQueued)

	rec := jobGet(t, h, "/api/jobs/train-job0000002/bogus")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadLogs(t *testing.T) {
	h, f := newJobHandler(t)
	writeJobLog(t, f, "train-job0000003", []models.LogEntry{
		{TS: "2026-01-02T10:00:00.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Training started"},
		{TS: "2026-01-02T10:00:05.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Training step 10/200"},
	})

	rec := jobGet(t, h, "/api/jobs/train-job0000003/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="train-job0000003.jsonl"`)
	assert.Contains(t, rec.Body.String(), "Training started")
	assert.Contains(t, rec.Body.String(), "Training step 10/200")
}

func TestDownloadLogs_NotFound(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train-nolog00001/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["error"], "Log file for job 'train-nolog00001' not found")
}

func TestViewLogs(t *testing.T) {
	h, f := newJobHandler(t)
	writeJobLog(t, f, "train-job0000004", []models.LogEntry{
		{TS: "2026-01-02T10:00:00.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Training started", Event: models.EventJobStarted},
		{TS: "2026-01-02T10:00:01.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Training step 50/200"},
		{TS: "2026-01-02T10:00:02.000Z", Level: "warn", Service: "worker", Logger: "executor", Msg: "Checkpoint write was slow"},
		{TS: "2026-01-02T10:00:03.000Z", Level: "error", Service: "worker", Logger: "executor", Msg: "CUDA out of memory", Event: models.EventJobFailed},
		{TS: "2026-01-02T10:00:04.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Cleanup finished"},
	})

	rec := jobGet(t, h, "/api/jobs/train-job0000004/logs/view")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(5), body["total_lines"])
	assert.False(t, body["has_more"].(bool))
	assert.Len(t, body["entries"].([]interface{}), 5)

	rec = jobGet(t, h, "/api/jobs/train-job0000004/logs/view?level=error")
	body = decodeJSON(t, rec)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "CUDA out of memory", entry["message"])
	assert.Equal(t, models.EventJobFailed, entry["event"])

	rec = jobGet(t, h, "/api/jobs/train-job0000004/logs/view?event="+models.EventJobStarted)
	assert.Len(t, decodeJSON(t, rec)["entries"].([]interface{}), 1)

	rec = jobGet(t, h, "/api/jobs/train-job0000004/logs/view?search=checkpoint")
	entries = decodeJSON(t, rec)["entries"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "Checkpoint write was slow", entries[0].(map[string]interface{})["message"])
}

func TestViewLogs_Paging(t *testing.T) {
	h, f := newJobHandler(t)
	var seed []models.LogEntry
	for i := 0; i < 5; i++ {
		seed = append(seed, models.LogEntry{
			TS: "2026-01-02T10:00:00.000Z", Level: "info",
			Service: "worker", Logger: "executor", Msg: "line",
		})
	}
	writeJobLog(t, f, "train-job0000005", seed)

	rec := jobGet(t, h, "/api/jobs/train-job0000005/logs/view?offset=0&limit=2")
	body := decodeJSON(t, rec)
	assert.Len(t, body["entries"].([]interface{}), 2)
	assert.Equal(t, float64(5), body["total_lines"])
	assert.True(t, body["has_more"].(bool))

	rec = jobGet(t, h, "/api/jobs/train-job0000005/logs/view?offset=4&limit=2")
	body = decodeJSON(t, rec)
	assert.Len(t, body["entries"].([]interface{}), 1)
	assert.False(t, body["has_more"].(bool))
}

func TestViewLogs_NotFound(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train-nolog00002/logs/view")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Log file for job 'train-nolog00002' not found.", decodeJSON(t, rec)["error"])
}

func TestListArtifacts(t *testing.T) {
	h, f := newJobHandler(t)
	job := f.seedTrainingJob(t, "train-job0000006", "char-j0000003", models.JobStatusCompleted)

	writeSamples(t, f, job.ID, "step_100.png", "final.png")
	writeJobLog(t, f, job.ID, []models.LogEntry{
		{TS: "2026-01-02T10:00:00.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "done"},
	})

	modelDir := filepath.Join(f.config.LorasDir(), "char-j0000003")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	modelPath := filepath.Join(modelDir, "v1.safetensors")
	require.NoError(t, os.WriteFile(modelPath, []byte("model"), 0o644))
	job.OutputPath = modelPath
	require.NoError(t, f.storage.JobStorage().SaveJob(context.Background(), job))

	rec := jobGet(t, h, "/api/jobs/"+job.ID+"/artifacts")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(4), body["total_count"])

	byType := map[string][]map[string]interface{}{}
	for _, raw := range body["artifacts"].([]interface{}) {
		a := raw.(map[string]interface{})
		byType[a["type"].(string)] = append(byType[a["type"].(string)], a)
	}

	require.Len(t, byType["sample"], 2)
	assert.Equal(t, "final.png", byType["sample"][0]["name"])
	_, hasStep := byType["sample"][0]["step"]
	assert.False(t, hasStep, "final.png carries no step number")
	assert.Equal(t, "step_100.png", byType["sample"][1]["name"])
	assert.Equal(t, float64(100), byType["sample"][1]["step"])
	assert.Equal(t, "/api/jobs/"+job.ID+"/artifacts/samples/final.png", byType["sample"][0]["url"])

	require.Len(t, byType["log"], 1)
	assert.Equal(t, job.ID+".jsonl", byType["log"][0]["name"])
	assert.Equal(t, "/api/jobs/"+job.ID+"/logs", byType["log"][0]["url"])

	require.Len(t, byType["model"], 1)
	assert.Equal(t, "v1.safetensors", byType["model"][0]["name"])
}

func TestListArtifacts_Empty(t *testing.T) {
	h, f := newJobHandler(t)
	f.seedGenerationJob(t, "gen-job000000001", models.JobStatusQueued)

	rec := jobGet(t, h, "/api/jobs/gen-job000000001/artifacts")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(0), body["total_count"])
	assert.Empty(t, body["artifacts"])
}

func TestServeSample(t *testing.T) {
	h, f := newJobHandler(t)
	writeSamples(t, f, "train-job0000007", "step_100.png")

	rec := jobGet(t, h, "/api/jobs/train-job0000007/artifacts/samples/step_100.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, testPNG(4, 4, byte(0)), rec.Body.Bytes())
}

func TestServeSample_InvalidFilename(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train-job0000008/artifacts/samples/step%201.png")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid filename", decodeJSON(t, rec)["error"])
}

func TestServeSample_TraversalRejected(t *testing.T) {
	h, _ := newJobHandler(t)

	// ".." passes the filename pattern but resolves above the samples dir
	rec := jobGet(t, h, "/api/jobs/train-job0000009/artifacts/samples/..")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid path", decodeJSON(t, rec)["error"])
}

func TestServeSample_NotFound(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train-job0000010/artifacts/samples/step_100.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Sample image not found", decodeJSON(t, rec)["error"])
}

func TestDebugBundle(t *testing.T) {
	h, f := newJobHandler(t)
	job := f.seedTrainingJob(t, "train-job0000011", "char-j0000004", models.JobStatusCompleted)
	writeSamples(t, f, job.ID, "step_100.png")

	ctx := context.Background()
	require.NoError(t, f.bus.Publish(ctx, models.NewProgressEvent(job.ID, models.JobStatusRunning, models.StageTraining, 50, "Training step 100/200")))
	require.NoError(t, f.bus.Publish(ctx, models.NewProgressEvent(job.ID, models.JobStatusCompleted, models.StageCompleted, 100, "Training completed successfully")))

	rec := jobGet(t, h, "/api/jobs/"+job.ID+"/debug-bundle")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), job.ID+"_debug.zip")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)

	files := map[string][]byte{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[zf.Name] = data
	}

	require.Contains(t, files, job.ID+"/metadata.json")
	require.Contains(t, files, job.ID+"/events.jsonl")
	require.Contains(t, files, job.ID+"/environment.json")
	require.Contains(t, files, job.ID+"/README.txt")
	require.Contains(t, files, job.ID+"/samples/step_100.png")

	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(files[job.ID+"/metadata.json"], &metadata))
	assert.Equal(t, job.ID, metadata["id"])

	events := bytes.Split(bytes.TrimSpace(files[job.ID+"/events.jsonl"]), []byte("\n"))
	assert.Len(t, events, 2)

	var environment map[string]string
	require.NoError(t, json.Unmarshal(files[job.ID+"/environment.json"], &environment))
	assert.Equal(t, "fast-test", environment["mode"])
	assert.Equal(t, "false", environment["queue_mode"])

	assert.Contains(t, string(files[job.ID+"/README.txt"]), "Debug Bundle for "+job.ID)
}

func TestDebugBundle_EventsFromJobLog(t *testing.T) {
	h, f := newJobHandler(t)
	job := f.seedTrainingJob(t, "train-job0000015", "char-j0000008", models.JobStatusFailed)

	// The durable JSONL log is the events source; bus history only backfills
	// when no log file exists
	writeJobLog(t, f, job.ID, []models.LogEntry{
		{TS: "2026-01-02T10:00:00.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Training started", Event: models.EventJobStarted},
		{TS: "2026-01-02T10:00:01.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Loaded checkpoint with hf_abcdef123456"},
		{TS: "2026-01-02T10:00:03.000Z", Level: "error", Service: "worker", Logger: "executor", Msg: "CUDA out of memory", Event: models.EventJobFailed},
	})
	require.NoError(t, f.bus.Publish(context.Background(),
		models.NewProgressEvent(job.ID, models.JobStatusRunning, models.StageTraining, 50, "Training step 100/200")))

	rec := jobGet(t, h, "/api/jobs/"+job.ID+"/debug-bundle")
	require.Equal(t, http.StatusOK, rec.Code)

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)

	var events []byte
	for _, zf := range zr.File {
		if zf.Name != job.ID+"/events.jsonl" {
			continue
		}
		rc, err := zf.Open()
		require.NoError(t, err)
		events, err = io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
	}
	require.NotEmpty(t, events)

	lines := bytes.Split(bytes.TrimSpace(events), []byte("\n"))
	require.Len(t, lines, 3)

	var last models.LogEntry
	require.NoError(t, json.Unmarshal(lines[2], &last))
	assert.Equal(t, "error", last.Level)
	assert.Equal(t, "CUDA out of memory", last.Msg)

	// Secrets never leave the process
	assert.NotContains(t, string(events), "hf_abcdef123456")
	assert.Contains(t, string(events), "hf_***REDACTED***")
}

func TestDebugBundle_JobNotFound(t *testing.T) {
	h, _ := newJobHandler(t)

	rec := jobGet(t, h, "/api/jobs/train-missing002/debug-bundle")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSummary(t *testing.T) {
	h, f := newJobHandler(t)
	job := f.seedTrainingJob(t, "train-job0000012", "char-j0000005", models.JobStatusCompleted)
	job.Progress = 100
	job.CurrentStep = 200
	job.TotalSteps = 200
	require.NoError(t, f.storage.JobStorage().SaveJob(context.Background(), job))

	writeSamples(t, f, job.ID, "step_100.png", "step_200.png")
	writeJobLog(t, f, job.ID, []models.LogEntry{
		{TS: "2026-01-02T10:00:00.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "done"},
	})

	rec := jobGet(t, h, "/api/jobs/"+job.ID+"/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, job.ID, body["job_id"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(100), body["progress"])
	assert.Equal(t, float64(200), body["current_step"])

	artifacts := body["artifacts"].(map[string]interface{})
	assert.Equal(t, float64(2), artifacts["samples"])
	assert.True(t, artifacts["has_log"].(bool))
	assert.False(t, artifacts["has_model"].(bool))

	_, hasFirstError := body["first_error"]
	assert.False(t, hasFirstError)
}

func TestGetSummary_FailedJobIncludesFirstError(t *testing.T) {
	h, f := newJobHandler(t)
	job := f.seedTrainingJob(t, "train-job0000013", "char-j0000006", models.JobStatusFailed)
	job.ErrorMessage = "CUDA out of memory"
	require.NoError(t, f.storage.JobStorage().SaveJob(context.Background(), job))

	writeJobLog(t, f, job.ID, []models.LogEntry{
		{TS: "2026-01-02T10:00:00.000Z", Level: "info", Service: "worker", Logger: "executor", Msg: "Training started"},
		{TS: "2026-01-02T10:00:03.000Z", Level: "error", Service: "worker", Logger: "executor", Msg: "CUDA out of memory", Event: models.EventJobFailed},
	})

	rec := jobGet(t, h, "/api/jobs/"+job.ID+"/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "CUDA out of memory", body["error_message"])

	firstError := body["first_error"].(map[string]interface{})
	assert.Equal(t, "CUDA out of memory", firstError["message"])
	assert.Equal(t, models.EventJobFailed, firstError["event"])
	assert.Equal(t, "2026-01-02T10:00:03.000Z", firstError["timestamp"])
}

func TestJobRoutes_RequiresGet(t *testing.T) {
	h, f := newJobHandler(t)
	f.seedTrainingJob(t, "train-job0000014", "char-j0000007", models.JobStatusQueued)

	rec := httptest.NewRecorder()
	h.HandleJobRoutes(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/train-job0000014", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
