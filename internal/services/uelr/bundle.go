package uelr

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/models"
)

// fullInteraction is the bundle's interaction.json shape: the header with
// every step inlined
type fullInteraction struct {
	*models.Interaction
	Steps []models.InteractionStep `json:"steps"`
}

// Bundle builds the support ZIP for an interaction: interaction.json plus
// backend_logs.jsonl and worker_logs.jsonl holding the correlated service
// log lines. Log files that are missing or unreadable are skipped; the
// bundle is best-effort beyond the interaction itself.
func (r *Register) Bundle(ctx context.Context, id string) ([]byte, string, error) {
	r.mu.Lock()
	header, steps, err := r.load(id)
	r.mu.Unlock()
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)

	interactionJSON, err := json.MarshalIndent(fullInteraction{Interaction: header, Steps: steps}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal interaction: %w", err)
	}
	if err := writeZipFile(archive, "interaction.json", interactionJSON); err != nil {
		return nil, "", err
	}

	backendLogs := r.collectLogs(filepath.Join(r.logRoot, "api", "latest"), header)
	if len(backendLogs) > 0 {
		if err := writeZipFile(archive, "backend_logs.jsonl", marshalLogLines(backendLogs)); err != nil {
			return nil, "", err
		}
	}
	workerLogs := r.collectLogs(filepath.Join(r.logRoot, "worker", "latest"), header)
	if len(workerLogs) > 0 {
		if err := writeZipFile(archive, "worker_logs.jsonl", marshalLogLines(workerLogs)); err != nil {
			return nil, "", err
		}
	}

	if err := archive.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize bundle: %w", err)
	}

	filename := fmt.Sprintf("uelr-bundle-%s.zip", safeID(id))
	r.logger.Info().
		Str("event", "uelr.bundle.created").
		Str("interaction_id", id).
		Int("backend_lines", len(backendLogs)).
		Int("worker_lines", len(workerLogs)).
		Msg("Built UELR bundle for " + id)
	return buf.Bytes(), filename, nil
}

// collectLogs scans every *.log file in dir for lines correlated with the
// interaction: matching correlation_id, or context.interaction_id equal to
// the interaction's ID. Lines come back redacted and sorted by timestamp.
func (r *Register) collectLogs(dir string, header *models.Interaction) []map[string]any {
	paths, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil || len(paths) == 0 {
		return nil
	}

	var matched []map[string]any
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			r.logger.Warn().Str("path", path).Err(err).Msg("Failed to read log file for bundle")
			continue
		}
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var entry map[string]any
			if err := json.Unmarshal(line, &entry); err != nil {
				continue
			}
			if !logLineMatches(entry, header) {
				continue
			}
			matched = append(matched, common.RedactMap(entry))
		}
		file.Close()
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return logTS(matched[i]) < logTS(matched[j])
	})
	return matched
}

func logLineMatches(entry map[string]any, header *models.Interaction) bool {
	if header.CorrelationID != "" {
		if corr, ok := entry["correlation_id"].(string); ok && corr == header.CorrelationID {
			return true
		}
	}
	if context, ok := entry["context"].(map[string]any); ok {
		if iid, ok := context["interaction_id"].(string); ok && iid == header.InteractionID {
			return true
		}
	}
	return false
}

func logTS(entry map[string]any) string {
	if ts, ok := entry["ts"].(string); ok {
		return ts
	}
	return ""
}

func marshalLogLines(entries []map[string]any) []byte {
	var buf bytes.Buffer
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeZipFile(archive *zip.Writer, name string, data []byte) error {
	w, err := archive.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to bundle: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to bundle: %w", name, err)
	}
	return nil
}
