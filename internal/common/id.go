package common

// NewTrainingJobID generates a unique training job ID
// Format: train-<12 hex>
func NewTrainingJobID() string {
	return "train-" + hexID(12)
}

// NewGenerationJobID generates a unique generation job ID
// Format: gen-<12 hex>
func NewGenerationJobID() string {
	return "gen-" + hexID(12)
}

// NewCharacterID generates a unique character ID
// Format: char-<8 hex>
func NewCharacterID() string {
	return "char-" + hexID(8)
}

// NewInteractionID generates an interaction ID for server-created interactions
// Format: uelr-<12 hex>
func NewInteractionID() string {
	return "uelr-" + hexID(12)
}
