package capabilities

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/effigo/internal/models"
)

// generationToggles are checked before the parameter loop, in a fixed order
// so error messages are deterministic.
var generationToggles = []string{"use_upscale", "use_controlnet", "use_ipadapter", "use_facedetailer"}

// ValidateTrainingConfig checks every submitted field against the backend's
// parameter wiring. Unknown keys pass through for forward compatibility;
// everything the backend declares unwired or out of bounds is rejected,
// never silently dropped.
func ValidateTrainingConfig(config models.TrainingConfig, caps models.CapabilitySet) error {
	fields, err := configFields(&config)
	if err != nil {
		return err
	}
	return validateTrainingFields(fields, caps)
}

// ValidateTrainingSubmission checks a raw config payload before it is
// narrowed into TrainingConfig, so keys the struct does not carry still hit
// the wiring table instead of dropping silently at decode.
func ValidateTrainingSubmission(raw json.RawMessage, caps models.CapabilitySet) error {
	fields, err := rawFields(raw)
	if err != nil {
		return err
	}
	return validateTrainingFields(fields, caps)
}

func validateTrainingFields(fields map[string]any, caps models.CapabilitySet) error {
	for key, value := range fields {
		// method is checked against SupportedMethods, character_id is a
		// submission field, not a training parameter
		if key == "character_id" || key == "method" {
			continue
		}
		if err := validateParameter(key, value, caps); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGenerationConfig checks feature toggles first, then every
// parameter against the backend's wiring.
func ValidateGenerationConfig(config models.GenerationConfig, caps models.CapabilitySet) error {
	fields, err := configFields(&config)
	if err != nil {
		return err
	}
	return validateGenerationFields(fields, caps)
}

// ValidateGenerationSubmission is the raw-payload form of
// ValidateGenerationConfig, applied to the config object as the client sent
// it.
func ValidateGenerationSubmission(raw json.RawMessage, caps models.CapabilitySet) error {
	fields, err := rawFields(raw)
	if err != nil {
		return err
	}
	return validateGenerationFields(fields, caps)
}

func validateGenerationFields(fields map[string]any, caps models.CapabilitySet) error {
	for _, toggle := range generationToggles {
		on, _ := fields[toggle].(bool)
		if !on {
			continue
		}
		schema, ok := caps.Toggle(toggle)
		if ok && schema.Supported {
			continue
		}
		reason := "Not supported"
		if ok && schema.Reason != "" {
			reason = schema.Reason
		}
		return models.Errorf(models.KindValidationRejected,
			"Feature '%s' not supported by %s: %s", toggle, caps.Backend, reason)
	}

	for key, value := range fields {
		if key == "prompt" || key == "negative_prompt" || key == "lora_id" || strings.HasPrefix(key, "use_") {
			continue
		}
		if err := validateParameter(key, value, caps); err != nil {
			return err
		}
	}
	return nil
}

// configFields flattens a config struct into its wire-form keys so the
// parameter loop sees the same names clients submit
func configFields(config any) (map[string]any, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, models.Wrap(models.KindValidationRejected, "failed to inspect config", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, models.Wrap(models.KindValidationRejected, "failed to inspect config", err)
	}
	return fields, nil
}

// rawFields parses a submitted config object without narrowing it through a
// struct, keeping every key the client sent
func rawFields(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, models.Wrap(models.KindValidationRejected, "invalid config payload", err)
	}
	return fields, nil
}

func validateParameter(key string, value any, caps models.CapabilitySet) error {
	schema, ok := caps.Parameter(key)
	if !ok {
		// Unknown keys are ignored for forward compatibility
		return nil
	}

	if !schema.Wired {
		reason := schema.Reason
		if reason == "" {
			reason = "Not supported"
		}
		return models.Errorf(models.KindValidationRejected,
			"Parameter '%s' not supported by %s: %s", key, caps.Backend, reason)
	}

	// Null means "use the default"
	if value == nil {
		return nil
	}

	switch schema.Type {
	case models.ParamTypeInt, models.ParamTypeFloat:
		v, numeric := toFloat(value)
		if !numeric {
			return nil
		}
		if schema.Min != nil && v < *schema.Min {
			return models.Errorf(models.KindValidationRejected,
				"Parameter '%s' value %v is below minimum %v", key, value, *schema.Min)
		}
		if schema.Max != nil && v > *schema.Max {
			return models.Errorf(models.KindValidationRejected,
				"Parameter '%s' value %v is above maximum %v", key, value, *schema.Max)
		}

	case models.ParamTypeEnum:
		for _, option := range schema.Options {
			if fmt.Sprint(option) == fmt.Sprint(value) {
				return nil
			}
		}
		return models.Errorf(models.KindValidationRejected,
			"Parameter '%s' value '%v' not in allowed options: %v", key, value, schema.Options)

	case models.ParamTypeBool:
		if _, isBool := value.(bool); !isBool {
			return models.Errorf(models.KindValidationRejected,
				"Parameter '%s' must be a boolean, got %T", key, value)
		}
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
