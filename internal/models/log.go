package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogTimestampFormat renders RFC-3339 UTC with millisecond precision.
// Every persisted log line uses this format for its ts field.
const LogTimestampFormat = "2006-01-02T15:04:05.000Z"

// Log levels accepted in the envelope
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry is the JSONL envelope shared by service logs and per-job logs.
// One entry per line; files are append-only and every line parses as JSON.
//
// Envelope keys (no others appear at the top level):
//   - ts: RFC-3339 UTC with milliseconds
//   - level: trace|debug|info|warn|error
//   - service: "api" or "worker"
//   - logger: subsystem name (e.g. "executor", "queue")
//   - msg: human-readable message
//   - correlation_id: request or job correlation (optional)
//   - event: dotted machine tag, e.g. "training.step" (optional)
//   - context: extra structured fields, redacted before write (optional)
type LogEntry struct {
	TS            string         `json:"ts"`
	Level         string         `json:"level"`
	Service       string         `json:"service"`
	Logger        string         `json:"logger"`
	Msg           string         `json:"msg"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Event         string         `json:"event,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// NewLogEntry stamps an entry with the current UTC time
func NewLogEntry(level, service, logger, msg string) LogEntry {
	return LogEntry{
		TS:      time.Now().UTC().Format(LogTimestampFormat),
		Level:   level,
		Service: service,
		Logger:  logger,
		Msg:     msg,
	}
}

// SetContext sets a context value (initializes the map if needed)
func (e *LogEntry) SetContext(key string, value any) {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
}

// GetContextString safely retrieves a string context value
func (e *LogEntry) GetContextString(key string) string {
	if e.Context == nil {
		return ""
	}
	if s, ok := e.Context[key].(string); ok {
		return s
	}
	return ""
}

// ToJSON serializes the entry as one JSONL line (no trailing newline)
func (e *LogEntry) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return data, nil
}

// LogEntryFromJSON deserializes one JSONL line
func LogEntryFromJSON(data []byte) (*LogEntry, error) {
	var entry LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
	}
	return &entry, nil
}

// ClientLogEntry is one entry posted by the frontend to /api/client-logs
type ClientLogEntry struct {
	Timestamp string         `json:"timestamp,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message" validate:"required"`
	Event     string         `json:"event,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ClientLogBatch is the POST /api/client-logs body
type ClientLogBatch struct {
	Entries []ClientLogEntry `json:"entries" validate:"required,min=1,max=100,dive"`
}
