package handlers

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/logs"
	"github.com/ternarybob/effigo/internal/models"
)

// sampleStepPattern extracts the training step from sample filenames like
// step_100.png.
var sampleStepPattern = regexp.MustCompile(`^step_(\d+)`)

// serviceLogTailLines caps how much of each service log a debug bundle carries
const serviceLogTailLines = 1000

// ArtifactInfo describes one artifact a job produced
type ArtifactInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"` // "sample", "model", "log"
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
	Step      *int   `json:"step,omitempty"`
	URL       string `json:"url"`
}

// JobLogEntry is one log line shaped for the log viewer
type JobLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Event     string                 `json:"event,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// JobHandler serves the job observability endpoints: logs, artifacts, SSE
// stream, debug bundles, and summaries. It reads the per-job JSONL log files
// the log consumer writes and the artifact tree the executor populates.
type JobHandler struct {
	config *common.Config
	jobs   interfaces.JobStorage
	bus    interfaces.ProgressBus
	logger arbor.ILogger
}

// NewJobHandler creates a job observability handler
func NewJobHandler(config *common.Config, storage interfaces.StorageManager, bus interfaces.ProgressBus, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		config: config,
		jobs:   storage.JobStorage(),
		bus:    bus,
		logger: logger,
	}
}

// HandleJobRoutes routes /api/jobs/{id}/... requests
func (h *JobHandler) HandleJobRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Expected: api/jobs/{id}/<operation>[/...]
	if len(parts) < 3 || parts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	id := parts[2]
	if !ValidJobID(id) {
		WriteError(w, http.StatusBadRequest, "Invalid job ID format. Only alphanumeric characters, hyphens, and underscores are allowed.")
		return
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if len(parts) == 3 {
		h.getJob(w, r, id)
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "logs":
		h.downloadLogs(w, r, id)
	case len(parts) == 5 && parts[3] == "logs" && parts[4] == "view":
		h.viewLogs(w, r, id)
	case len(parts) == 4 && parts[3] == "artifacts":
		h.listArtifacts(w, r, id)
	case len(parts) == 6 && parts[3] == "artifacts" && parts[4] == "samples":
		h.serveSample(w, r, id, parts[5])
	case len(parts) == 4 && parts[3] == "stream":
		streamJob(w, r, h.logger, h.jobs, h.bus, id)
	case len(parts) == 4 && parts[3] == "debug-bundle":
		h.downloadDebugBundle(w, r, id)
	case len(parts) == 4 && parts[3] == "summary":
		h.getSummary(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// GET /api/jobs/{id}
func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// GET /api/jobs/{id}/logs
//
// Serves the raw per-job JSONL file as a download. The id is already
// pattern-checked; the containment check below catches anything that still
// resolves outside the job log directory.
func (h *JobHandler) downloadLogs(w http.ResponseWriter, r *http.Request, id string) {
	logPath := logs.JobLogPath(h.config.JobLogDir(), id)

	if !pathWithin(h.config.JobLogDir(), logPath) {
		h.logger.Warn().
			Str("event", models.EventSecurityPathTraversal).
			Str("job_id", id).
			Msg("Attempted path traversal in job logs request")
		WriteError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	info, err := os.Stat(logPath)
	if err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Log file for job '%s' not found. The job may not have started yet or logs were not preserved.", id))
		return
	}

	h.logger.Info().
		Str("event", models.EventLogsDownload).
		Str("job_id", id).
		Str("path", logPath).
		Msg("Serving job log file")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.jsonl"`, id))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	http.ServeFile(w, r, logPath)
}

// GET /api/jobs/{id}/logs/view
//
// Pages through the job log with optional level, event, and message-substring
// filters. Filters apply within the requested page; total_lines and has_more
// describe the unfiltered file.
func (h *JobHandler) viewLogs(w http.ResponseWriter, r *http.Request, id string) {
	logPath := logs.JobLogPath(h.config.JobLogDir(), id)
	if _, err := os.Stat(logPath); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Log file for job '%s' not found.", id))
		return
	}

	offset := QueryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit := ClampLimit(QueryInt(r, "limit", 100), 100, 1000)
	levelFilter := r.URL.Query().Get("level")
	eventFilter := r.URL.Query().Get("event")
	search := strings.ToLower(r.URL.Query().Get("search"))

	page, total, err := logs.ReadPage(logPath, offset, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to read job logs")
		WriteError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}

	entries := make([]JobLogEntry, 0, len(page))
	for _, entry := range page {
		if levelFilter != "" && !strings.EqualFold(entry.Level, levelFilter) {
			continue
		}
		if eventFilter != "" && entry.Event != eventFilter {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(entry.Msg), search) {
			continue
		}
		entries = append(entries, JobLogEntry{
			Timestamp: entry.TS,
			Level:     entry.Level,
			Message:   entry.Msg,
			Event:     entry.Event,
			Fields:    entry.Context,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      id,
		"entries":     entries,
		"total_lines": total,
		"has_more":    offset+limit < total,
	})
}

// GET /api/jobs/{id}/artifacts
func (h *JobHandler) listArtifacts(w http.ResponseWriter, r *http.Request, id string) {
	artifacts := make([]ArtifactInfo, 0)

	samplesDir := h.samplesDir(id)
	for _, sample := range listSamples(samplesDir) {
		info := ArtifactInfo{
			Name:      sample.name,
			Path:      filepath.Join(samplesDir, sample.name),
			Type:      "sample",
			SizeBytes: sample.size,
			CreatedAt: sample.modTime.UTC().Format(time.RFC3339),
			URL:       fmt.Sprintf("/api/jobs/%s/artifacts/samples/%s", id, sample.name),
		}
		if sample.step >= 0 {
			step := sample.step
			info.Step = &step
		}
		artifacts = append(artifacts, info)
	}

	logPath := logs.JobLogPath(h.config.JobLogDir(), id)
	if info, err := os.Stat(logPath); err == nil {
		artifacts = append(artifacts, ArtifactInfo{
			Name:      id + ".jsonl",
			Path:      logPath,
			Type:      "log",
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC().Format(time.RFC3339),
			URL:       fmt.Sprintf("/api/jobs/%s/logs", id),
		})
	}

	if strings.HasPrefix(id, "train-") {
		if job, err := h.jobs.GetJob(r.Context(), id); err == nil && job.OutputPath != "" {
			if info, err := os.Stat(job.OutputPath); err == nil {
				artifacts = append(artifacts, ArtifactInfo{
					Name:      filepath.Base(job.OutputPath),
					Path:      job.OutputPath,
					Type:      "model",
					SizeBytes: info.Size(),
					CreatedAt: info.ModTime().UTC().Format(time.RFC3339),
					URL:       fmt.Sprintf("/api/jobs/%s/artifacts/model", id),
				})
			}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      id,
		"artifacts":   artifacts,
		"total_count": len(artifacts),
	})
}

// GET /api/jobs/{id}/artifacts/samples/{filename}
func (h *JobHandler) serveSample(w http.ResponseWriter, r *http.Request, id, filename string) {
	if !ValidSampleFilename(filename) {
		WriteError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	samplesDir := h.samplesDir(id)
	samplePath := filepath.Join(samplesDir, filename)
	if !pathWithin(samplesDir, samplePath) {
		WriteError(w, http.StatusBadRequest, "Invalid path")
		return
	}
	if _, err := os.Stat(samplePath); err != nil {
		WriteError(w, http.StatusNotFound, "Sample image not found")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, samplePath)
}

// GET /api/jobs/{id}/debug-bundle
//
// Builds the bundle in memory: job metadata, the job's event log, service
// log tails, sample images, and an environment snapshot, everything redacted
// before it leaves the process.
func (h *JobHandler) downloadDebugBundle(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var contents []string

	if data, err := redactedJobMetadata(job); err == nil {
		if err := writeZipEntry(zw, id+"/metadata.json", data); err == nil {
			contents = append(contents, "metadata.json")
		}
	}

	if lines := h.jobEventLines(r.Context(), id); len(lines) > 0 {
		if err := writeZipEntry(zw, id+"/events.jsonl", lines); err == nil {
			contents = append(contents, "events.jsonl")
		}
	}

	for _, service := range []string{"api", "worker"} {
		servicePath := filepath.Join(h.config.LogRoot(), service, "latest", service+".log")
		tail, err := tailRawLines(servicePath, serviceLogTailLines)
		if err != nil || len(tail) == 0 {
			continue
		}
		content := common.RedactString(strings.Join(tail, "\n") + "\n")
		name := fmt.Sprintf("%s/service_logs/%s.log", id, service)
		if err := writeZipEntry(zw, name, []byte(content)); err == nil {
			contents = append(contents, fmt.Sprintf("service_logs/%s.log", service))
		}
	}

	samplesDir := h.samplesDir(id)
	for _, sample := range listSamples(samplesDir) {
		data, err := os.ReadFile(filepath.Join(samplesDir, sample.name))
		if err != nil {
			continue
		}
		if err := writeZipEntry(zw, id+"/samples/"+sample.name, data); err == nil {
			contents = append(contents, "samples/"+sample.name)
		}
	}

	environment := map[string]string{
		"mode":        h.config.Mode,
		"log_level":   h.config.Logging.Level,
		"queue_mode":  strconv.FormatBool(h.config.QueueEnabled()),
		"volume_root": h.config.VolumeRoot,
		"log_root":    h.config.LogRoot(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if data, err := json.MarshalIndent(environment, "", "  "); err == nil {
		if err := writeZipEntry(zw, id+"/environment.json", data); err == nil {
			contents = append(contents, "environment.json")
		}
	}

	readme := bundleReadme(id, contents)
	writeZipEntry(zw, id+"/README.txt", []byte(readme))

	if err := zw.Close(); err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to finalize debug bundle")
		WriteError(w, http.StatusInternalServerError, "Failed to build debug bundle")
		return
	}

	h.logger.Info().
		Str("event", models.EventDebugBundleCreated).
		Str("job_id", id).
		Strs("contents", contents).
		Msg("Debug bundle created")

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_debug.zip"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// jobEventLines renders the bundle's events.jsonl from the job's JSONL log
// file, redacted line by line. The file is the durable record; the bus only
// holds a capped in-memory window. Bus history fills in when the file has no
// entries, e.g. for a job that never reached its logger.
func (h *JobHandler) jobEventLines(ctx context.Context, id string) []byte {
	var lines bytes.Buffer

	entries, _, err := logs.ReadPage(logs.JobLogPath(h.config.JobLogDir(), id), 0, 0)
	if err == nil && len(entries) > 0 {
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			lines.WriteString(common.RedactString(string(data)))
			lines.WriteByte('\n')
		}
		return lines.Bytes()
	}

	history, err := h.bus.History(ctx, id)
	if err != nil {
		return nil
	}
	for _, event := range history {
		data, err := event.ToJSON()
		if err != nil {
			continue
		}
		lines.WriteString(common.RedactString(string(data)))
		lines.WriteByte('\n')
	}
	return lines.Bytes()
}

// GET /api/jobs/{id}/summary
func (h *JobHandler) getSummary(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	logPath := logs.JobLogPath(h.config.JobLogDir(), id)
	_, logErr := os.Stat(logPath)
	hasLog := logErr == nil

	summary := map[string]interface{}{
		"job_id":       job.ID,
		"status":       job.Status,
		"progress":     job.Progress,
		"current_step": job.CurrentStep,
		"total_steps":  job.TotalSteps,
		"created_at":   job.CreatedAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"artifacts": map[string]interface{}{
			"samples":   len(listSamples(h.samplesDir(id))),
			"has_log":   hasLog,
			"has_model": job.OutputPath != "",
		},
	}

	if job.Status == models.JobStatusFailed {
		if firstError := firstErrorEntry(logPath); firstError != nil {
			summary["first_error"] = firstError
		}
		summary["error_message"] = job.ErrorMessage
	}

	WriteJSON(w, http.StatusOK, summary)
}

func (h *JobHandler) samplesDir(jobID string) string {
	return filepath.Join(h.config.ArtifactsDir(), jobID, "samples")
}

// sampleFile is one .png in a job's samples directory
type sampleFile struct {
	name    string
	size    int64
	modTime time.Time
	step    int // -1 when the filename carries no step
}

// listSamples returns the job's sample images sorted by filename
func listSamples(dir string) []sampleFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	samples := make([]sampleFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		step := -1
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if m := sampleStepPattern.FindStringSubmatch(stem); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				step = n
			}
		}
		samples = append(samples, sampleFile{
			name:    entry.Name(),
			size:    info.Size(),
			modTime: info.ModTime(),
			step:    step,
		})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].name < samples[j].name })
	return samples
}

// pathWithin reports whether path resolves inside dir
func pathWithin(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// redactedJobMetadata serializes the job record with sensitive keys dropped
func redactedJobMetadata(job *models.Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key := range fields {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "token") || strings.Contains(lower, "key") ||
			strings.Contains(lower, "secret") || strings.Contains(lower, "password") {
			delete(fields, key)
		}
	}
	return json.MarshalIndent(fields, "", "  ")
}

// writeZipEntry adds one file to the bundle
func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// bundleReadme renders the bundle manifest
func bundleReadme(jobID string, contents []string) string {
	var b strings.Builder
	b.WriteString("Debug Bundle for " + jobID + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")
	b.WriteString("Contents:\n")
	for _, item := range contents {
		b.WriteString("  - " + item + "\n")
	}
	b.WriteString("\nGenerated: " + time.Now().UTC().Format(time.RFC3339) + "\n")
	return b.String()
}

// tailRawLines returns the last n raw lines of a text file. Missing files
// yield a nil slice.
func tailRawLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// firstErrorEntry scans the job log for the first error-level line
func firstErrorEntry(logPath string) map[string]interface{} {
	entries, _, err := logs.ReadPage(logPath, 0, 0)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Level, models.LogLevelError) {
			return map[string]interface{}{
				"timestamp": entry.TS,
				"message":   entry.Msg,
				"event":     entry.Event,
			}
		}
	}
	return nil
}
