// Package capabilities is the single source of truth for what the service
// can execute: the category matrix advertised by /info and the per-backend
// parameter wiring the config validator enforces.
package capabilities

import (
	"sort"

	"github.com/ternarybob/effigo/internal/models"
)

// Category names in the service matrix
const (
	CategoryTraining = "training"
	CategoryImage    = "image_generation"
	CategoryVideo    = "video_generation"
)

// ServiceMatrix returns the service-level capability listing. Check this
// before implementing any feature-dependent logic; submission handlers
// consult it before touching a plugin.
func ServiceMatrix() map[string]map[string]models.CapabilityInfo {
	return map[string]map[string]models.CapabilityInfo{
		CategoryTraining: {
			"lora": {
				Supported: true,
				Status:    models.CapabilityProduction,
				Backend:   "ai-toolkit",
				Notes:     "Primary training method. Uses FLUX.1-dev in production mode.",
			},
			"dora": {
				Supported: false,
				Status:    models.CapabilityNotImplemented,
				Notes:     "May be added in future versions.",
			},
			"full_finetune": {
				Supported: false,
				Status:    models.CapabilityOutOfScope,
				Notes:     "Not planned for this project.",
			},
		},
		CategoryImage: {
			"comfyui": {
				Supported: true,
				Status:    models.CapabilityProduction,
				Backend:   "comfyui",
				Notes:     "Primary image generation backend. Supports FLUX and SDXL workflows.",
			},
			"direct_diffusers": {
				Supported: false,
				Status:    models.CapabilityNotImplemented,
				Notes:     "May be added as alternative backend.",
			},
		},
		CategoryVideo: {
			"any": {
				Supported: false,
				Status:    models.CapabilityScaffoldOnly,
				Notes:     "Interface defined, implementation deferred.",
			},
		},
	}
}

// Supported lists the supported capability names by category, the shape
// /info advertises. Categories with nothing supported are omitted.
func Supported() map[string][]string {
	result := make(map[string][]string)
	for category, caps := range ServiceMatrix() {
		var names []string
		for name, info := range caps {
			if info.Supported {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			sort.Strings(names)
			result[category] = names
		}
	}
	return result
}

// Info returns the matrix entry for a capability
func Info(category, name string) (models.CapabilityInfo, bool) {
	caps, ok := ServiceMatrix()[category]
	if !ok {
		return models.CapabilityInfo{}, false
	}
	info, ok := caps[name]
	return info, ok
}

// IsSupported reports whether a named capability can serve requests
func IsSupported(category, name string) bool {
	info, ok := Info(category, name)
	return ok && info.IsSupported()
}

// IsTrainingMethodSupported gates POST /api/training submissions
func IsTrainingMethodSupported(method string) bool {
	return IsSupported(CategoryTraining, method)
}

// num is a pointer helper for schema bounds
func num(v float64) *float64 {
	return &v
}

// trainingParameters is the wiring shared by the training backends. The mock
// advertises the same set as ai-toolkit so config validation behaves
// identically in fast-test and production modes.
func trainingParameters() map[string]models.ParameterSchema {
	return map[string]models.ParameterSchema{
		"steps": {
			Type: models.ParamTypeInt, Min: num(100), Max: num(10000), Step: num(100),
			Default: 1000, Wired: true,
			Description: "Total training steps",
		},
		"learning_rate": {
			Type: models.ParamTypeFloat, Min: num(1e-6), Max: num(1e-2),
			Default: 1e-4, Wired: true,
			Description: "Optimizer learning rate",
		},
		"batch_size": {
			Type: models.ParamTypeInt, Min: num(1), Max: num(8),
			Default: 1, Wired: true,
			Description: "Images per training batch",
		},
		"resolution": {
			Type: models.ParamTypeEnum, Options: []any{512, 768, 1024},
			Default: 1024, Wired: true,
			Description: "Square training resolution",
		},
		"lora_rank": {
			Type: models.ParamTypeInt, Min: num(4), Max: num(128),
			Default: 16, Wired: true,
			Description: "LoRA network rank",
		},
		"optimizer": {
			Type: models.ParamTypeEnum, Options: []any{"adamw8bit", "prodigy"},
			Wired: false, Reason: "Optimizer is pinned to adamw8bit in the rendered config",
		},
		"noise_offset": {
			Type: models.ParamTypeFloat, Min: num(0), Max: num(0.2),
			Wired: false, Reason: "Not exposed in the rendered config",
		},
	}
}

// imageParameters is the wiring shared by the image backends
func imageParameters() map[string]models.ParameterSchema {
	return map[string]models.ParameterSchema{
		"width": {
			Type: models.ParamTypeInt, Min: num(512), Max: num(2048), Step: num(64),
			Default: 1024, Wired: true,
			Description: "Output width in pixels",
		},
		"height": {
			Type: models.ParamTypeInt, Min: num(512), Max: num(2048), Step: num(64),
			Default: 1024, Wired: true,
			Description: "Output height in pixels",
		},
		"steps": {
			Type: models.ParamTypeInt, Min: num(1), Max: num(100),
			Default: 30, Wired: true,
			Description: "Denoising steps",
		},
		"guidance_scale": {
			Type: models.ParamTypeFloat, Min: num(1), Max: num(20), Step: num(0.5),
			Default: 7.5, Wired: true,
			Description: "Classifier-free guidance strength",
		},
		"lora_strength": {
			Type: models.ParamTypeFloat, Min: num(0), Max: num(1.5), Step: num(0.05),
			Default: 0.8, Wired: true,
			Description: "LoRA weight applied to the base model",
		},
		"seed": {
			Type: models.ParamTypeInt, Wired: true,
			Description: "Random when omitted",
		},
		"sampler": {
			Type: models.ParamTypeEnum, Options: []any{"euler", "dpmpp_2m"},
			Wired: false, Reason: "Sampler is pinned by the workflow template",
		},
		"clip_skip": {
			Type: models.ParamTypeInt, Min: num(1), Max: num(4),
			Wired: false, Reason: "Not exposed by the FLUX workflows",
		},
	}
}

// AIToolkitTraining describes the production LoRA training backend
func AIToolkitTraining() models.CapabilitySet {
	return models.CapabilitySet{
		Backend:    "ai-toolkit",
		Methods:    []string{models.TrainingMethodLora},
		Parameters: trainingParameters(),
	}
}

// MockTraining describes the fast-test training backend
func MockTraining() models.CapabilitySet {
	return models.CapabilitySet{
		Backend:    "mock",
		Methods:    []string{models.TrainingMethodLora},
		Parameters: trainingParameters(),
	}
}

// ComfyUIImage describes the production generation backend. None of the
// pipeline toggles are present in the bundled workflow templates, so all
// four reject with a reason rather than being silently ignored.
func ComfyUIImage() models.CapabilitySet {
	return models.CapabilitySet{
		Backend:       "comfyui",
		ModelVariants: []string{"flux-dev", "flux-schnell", "sdxl"},
		Toggles: map[string]models.ToggleSchema{
			"use_upscale":      {Supported: false, Reason: "Upscale pass not present in the bundled workflows"},
			"use_controlnet":   {Supported: false, Reason: "ControlNet nodes not installed on the ComfyUI server"},
			"use_ipadapter":    {Supported: false, Reason: "IPAdapter nodes not installed on the ComfyUI server"},
			"use_facedetailer": {Supported: false, Reason: "FaceDetailer requires the Impact Pack, not bundled"},
		},
		Parameters: imageParameters(),
	}
}

// MockImage describes the fast-test generation backend. Toggles are all
// supported so wiring tests can exercise the accept path.
func MockImage() models.CapabilitySet {
	return models.CapabilitySet{
		Backend:       "mock",
		ModelVariants: []string{"flux-dev", "flux-schnell", "sdxl"},
		Toggles: map[string]models.ToggleSchema{
			"use_upscale":      {Supported: true, Description: "Simulated in fast-test mode"},
			"use_controlnet":   {Supported: true, Description: "Simulated in fast-test mode"},
			"use_ipadapter":    {Supported: true, Description: "Simulated in fast-test mode"},
			"use_facedetailer": {Supported: true, Description: "Simulated in fast-test mode"},
		},
		Parameters: imageParameters(),
	}
}
