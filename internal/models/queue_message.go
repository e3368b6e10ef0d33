package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoMessage is returned when a consume round times out with no work
var ErrNoMessage = errors.New("no messages in queue")

// QueueMessage is the envelope submitted to a job stream.
// All values are carried as strings on the wire; Payload stays a JSON string
// end-to-end so the config round-trips byte-identically.
type QueueMessage struct {
	ID            string `json:"id"`   // References jobs.id
	Type          string `json:"type"` // "training" or "generation", routes the executor
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     string `json:"created_at"` // RFC3339
	Payload       string `json:"payload"`    // Job-specific data (passed through)
}

// NewQueueMessage builds an envelope for stream submission
func NewQueueMessage(jobID string, jobType JobType, payload []byte, correlationID string) *QueueMessage {
	return &QueueMessage{
		ID:            jobID,
		Type:          jobType.String(),
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Payload:       string(payload),
	}
}

// ToValues flattens the envelope into the field map XADD expects
func (m *QueueMessage) ToValues() map[string]interface{} {
	values := map[string]interface{}{
		"id":         m.ID,
		"type":       m.Type,
		"created_at": m.CreatedAt,
		"payload":    m.Payload,
	}
	if m.CorrelationID != "" {
		values["correlation_id"] = m.CorrelationID
	}
	return values
}

// QueueMessageFromValues rebuilds an envelope from stream record values.
// Redis returns every value as a string; anything else is coerced.
func QueueMessageFromValues(values map[string]interface{}) (*QueueMessage, error) {
	msg := &QueueMessage{
		ID:            stringValue(values, "id"),
		Type:          stringValue(values, "type"),
		CorrelationID: stringValue(values, "correlation_id"),
		CreatedAt:     stringValue(values, "created_at"),
		Payload:       stringValue(values, "payload"),
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("queue message missing job id")
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("queue message %s missing type", msg.ID)
	}
	return msg, nil
}

func stringValue(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// TrainingJobPayload is the payload JSON for training queue messages
type TrainingJobPayload struct {
	CharacterID string          `json:"character_id"`
	TriggerWord string          `json:"trigger_word,omitempty"`
	Config      json.RawMessage `json:"config"`
	PresetName  string          `json:"preset_name,omitempty"`
	BaseModel   string          `json:"base_model,omitempty"`
}

// GenerationJobPayload is the payload JSON for generation queue messages
type GenerationJobPayload struct {
	Config json.RawMessage `json:"config"`
	Count  int             `json:"count"`
}
