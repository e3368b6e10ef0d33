package image

import (
	"path/filepath"

	"github.com/ternarybob/effigo/internal/models"
)

// defaultCheckpoint is the model ComfyUI loads when no workflow override is
// given. The server resolves it against its own models directory.
const defaultCheckpoint = "flux1-dev.safetensors"

// buildWorkflow assembles the ComfyUI node graph (API format) for a single
// image. When loraPath is set a LoraLoader node is spliced between the
// checkpoint and the sampler; ComfyUI resolves the LoRA by filename against
// its own loras directory.
func buildWorkflow(config models.GenerationConfig, loraPath string, seed int64) map[string]interface{} {
	modelRef := []interface{}{"1", 0}
	clipRef := []interface{}{"1", 1}

	graph := map[string]interface{}{
		"1": map[string]interface{}{
			"class_type": "CheckpointLoaderSimple",
			"inputs": map[string]interface{}{
				"ckpt_name": defaultCheckpoint,
			},
		},
	}

	if loraPath != "" {
		graph["2"] = map[string]interface{}{
			"class_type": "LoraLoader",
			"inputs": map[string]interface{}{
				"model":          modelRef,
				"clip":           clipRef,
				"lora_name":      filepath.Base(loraPath),
				"strength_model": config.LoraStrength,
				"strength_clip":  config.LoraStrength,
			},
		}
		modelRef = []interface{}{"2", 0}
		clipRef = []interface{}{"2", 1}
	}

	graph["3"] = map[string]interface{}{
		"class_type": "CLIPTextEncode",
		"inputs": map[string]interface{}{
			"text": config.Prompt,
			"clip": clipRef,
		},
	}
	graph["4"] = map[string]interface{}{
		"class_type": "CLIPTextEncode",
		"inputs": map[string]interface{}{
			"text": config.NegativePrompt,
			"clip": clipRef,
		},
	}
	graph["5"] = map[string]interface{}{
		"class_type": "EmptyLatentImage",
		"inputs": map[string]interface{}{
			"width":      config.Width,
			"height":     config.Height,
			"batch_size": 1,
		},
	}
	graph["6"] = map[string]interface{}{
		"class_type": "KSampler",
		"inputs": map[string]interface{}{
			"model":        modelRef,
			"positive":     []interface{}{"3", 0},
			"negative":     []interface{}{"4", 0},
			"latent_image": []interface{}{"5", 0},
			"seed":         seed,
			"steps":        config.Steps,
			"cfg":          config.GuidanceScale,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
		},
	}
	graph["7"] = map[string]interface{}{
		"class_type": "VAEDecode",
		"inputs": map[string]interface{}{
			"samples": []interface{}{"6", 0},
			"vae":     []interface{}{"1", 2},
		},
	}
	graph["8"] = map[string]interface{}{
		"class_type": "SaveImage",
		"inputs": map[string]interface{}{
			"images":          []interface{}{"7", 0},
			"filename_prefix": "effigo",
		},
	}

	return graph
}
