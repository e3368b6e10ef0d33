// -----------------------------------------------------------------------
// Capability - Plugin self-description consumed by the config validator
// -----------------------------------------------------------------------

package models

// Parameter schema types as declared in a plugin's capability set
const (
	ParamTypeInt    = "int"
	ParamTypeFloat  = "float"
	ParamTypeBool   = "bool"
	ParamTypeEnum   = "enum"
	ParamTypeString = "string"
)

// ParameterSchema describes one config parameter a backend advertises.
// Wired=false means the parameter is shown to clients but the backend does
// not apply it; submissions that set it are rejected with Reason.
type ParameterSchema struct {
	Type        string   `json:"type"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"` // UI hint for input step size
	Options     []any    `json:"options,omitempty"`
	Default     any      `json:"default,omitempty"`
	Wired       bool     `json:"wired"`
	Reason      string   `json:"reason,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ToggleSchema describes one feature toggle a backend advertises
type ToggleSchema struct {
	Supported   bool   `json:"supported"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

// CapabilitySet is a plugin's full self-description: which backend it is,
// which model variants or methods it serves, and per-parameter wiring.
type CapabilitySet struct {
	Backend       string                     `json:"backend"`
	ModelVariants []string                   `json:"model_variants,omitempty"`
	Methods       []string                   `json:"methods,omitempty"`
	Toggles       map[string]ToggleSchema    `json:"toggles,omitempty"`
	Parameters    map[string]ParameterSchema `json:"parameters"`
}

// Parameter looks up a parameter schema by config key
func (c *CapabilitySet) Parameter(key string) (ParameterSchema, bool) {
	schema, ok := c.Parameters[key]
	return schema, ok
}

// Toggle looks up a toggle schema by name
func (c *CapabilitySet) Toggle(name string) (ToggleSchema, bool) {
	schema, ok := c.Toggles[name]
	return schema, ok
}

// CapabilityStatus classifies how far along a capability is
type CapabilityStatus string

const (
	CapabilityProduction     CapabilityStatus = "production"
	CapabilityBeta           CapabilityStatus = "beta"
	CapabilityNotImplemented CapabilityStatus = "not_implemented"
	CapabilityScaffoldOnly   CapabilityStatus = "scaffold_only"
	CapabilityOutOfScope     CapabilityStatus = "out_of_scope"
)

// CapabilityInfo describes one named capability in the service-level matrix
// advertised by GET /info
type CapabilityInfo struct {
	Supported bool             `json:"supported"`
	Status    CapabilityStatus `json:"status"`
	Backend   string           `json:"backend,omitempty"` // e.g. "ai-toolkit"
	Notes     string           `json:"notes,omitempty"`
}

// IsSupported returns true when the capability can serve requests
func (i CapabilityInfo) IsSupported() bool {
	return i.Supported
}
