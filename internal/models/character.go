// -----------------------------------------------------------------------
// Character - Identity records that LoRA models are trained against
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTriggerWord is used when a character has no trigger word of its own
const DefaultTriggerWord = "ohwx person"

// Character is a trainable identity. Uploaded reference images live under
// <volume_root>/characters/uploads/<id>/ and ImageCount tracks how many
// passed validation.
type Character struct {
	ID          string `json:"id" badgerhold:"key"`
	Name        string `json:"name" badgerhold:"index"`
	Description string `json:"description,omitempty"`

	// TriggerWord is injected into every training caption so the resulting
	// LoRA activates on it at generation time.
	TriggerWord string `json:"trigger_word"`

	ImageCount int `json:"image_count"`

	// Set once the first training run completes
	LoraPath      string     `json:"lora_path,omitempty"`
	LoraTrainedAt *time.Time `json:"lora_trained_at,omitempty"`

	CreatedAt time.Time `json:"created_at" badgerhold:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateCharacterRequest is the POST /api/characters body
type CreateCharacterRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description,omitempty" validate:"max=500"`
	TriggerWord string `json:"trigger_word" validate:"required,min=2,max=50"`
}

// UpdateCharacterRequest is the PATCH /api/characters/{id} body.
// Nil fields are left unchanged; updates are last-writer-wins.
type UpdateCharacterRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
	TriggerWord *string `json:"trigger_word,omitempty" validate:"omitempty,min=2,max=50"`
}

// NewCharacter creates a character from a validated create request
func NewCharacter(id string, req CreateCharacterRequest) *Character {
	now := time.Now().UTC()
	return &Character{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		TriggerWord: req.TriggerWord,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ApplyUpdate applies the non-nil fields of an update request and bumps
// updated_at. Returns true when anything changed.
func (c *Character) ApplyUpdate(req UpdateCharacterRequest) bool {
	changed := false
	if req.Name != nil && *req.Name != c.Name {
		c.Name = *req.Name
		changed = true
	}
	if req.Description != nil && *req.Description != c.Description {
		c.Description = *req.Description
		changed = true
	}
	if req.TriggerWord != nil && *req.TriggerWord != c.TriggerWord {
		c.TriggerWord = *req.TriggerWord
		changed = true
	}
	if changed {
		c.UpdatedAt = time.Now().UTC()
	}
	return changed
}

// EffectiveTriggerWord returns the character's trigger word, falling back
// to the default when unset
func (c *Character) EffectiveTriggerWord() string {
	if c.TriggerWord == "" {
		return DefaultTriggerWord
	}
	return c.TriggerWord
}

// ToJSON serializes the character for redis storage
func (c *Character) ToJSON() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal character: %w", err)
	}
	return data, nil
}

// CharacterFromJSON deserializes a character from JSON
func CharacterFromJSON(data []byte) (*Character, error) {
	var character Character
	if err := json.Unmarshal(data, &character); err != nil {
		return nil, fmt.Errorf("failed to unmarshal character: %w", err)
	}
	return &character, nil
}
