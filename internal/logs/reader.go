package logs

import (
	"bufio"
	"fmt"
	"os"

	"github.com/ternarybob/effigo/internal/models"
)

// maxLineBytes bounds a single JSONL line when reading files back.
// Context payloads are small; 1MB leaves generous headroom.
const maxLineBytes = 1024 * 1024

// ReadPage reads entries [offset, offset+limit) from a JSONL log file and
// returns them with the total entry count for pager metadata. A missing file
// is an empty page, not an error; unparseable lines are skipped.
func ReadPage(path string, offset, limit int) ([]models.LogEntry, int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []models.LogEntry{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer f.Close()

	if offset < 0 {
		offset = 0
	}

	entries := make([]models.LogEntry, 0)
	total := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := models.LogEntryFromJSON(line)
		if err != nil {
			continue
		}
		if total >= offset && (limit <= 0 || len(entries) < limit) {
			entries = append(entries, *entry)
		}
		total++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read log file %s: %w", path, err)
	}
	return entries, total, nil
}

// ReadTail returns the last n parseable entries of a JSONL log file.
// A missing file yields an empty slice.
func ReadTail(path string, n int) ([]models.LogEntry, error) {
	if n <= 0 {
		return []models.LogEntry{}, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []models.LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer f.Close()

	ring := make([]models.LogEntry, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := models.LogEntryFromJSON(line)
		if err != nil {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, *entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file %s: %w", path, err)
	}
	return ring, nil
}
