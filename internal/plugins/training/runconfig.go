package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/effigo/internal/models"
	"gopkg.in/yaml.v3"
)

// runConfig is the YAML document the ai-toolkit trainer consumes. Field
// names follow the trainer's schema, not ours.
type runConfig struct {
	Job    string        `yaml:"job"`
	Config runConfigBody `yaml:"config"`
	Meta   runMeta       `yaml:"meta"`
}

type runConfigBody struct {
	Name    string       `yaml:"name"`
	Process []runProcess `yaml:"process"`
}

type runProcess struct {
	Type           string       `yaml:"type"`
	TrainingFolder string       `yaml:"training_folder"`
	Device         string       `yaml:"device"`
	TriggerWord    string       `yaml:"trigger_word"`
	Network        runNetwork   `yaml:"network"`
	Save           runSave      `yaml:"save"`
	Datasets       []runDataset `yaml:"datasets"`
	Train          runTrain     `yaml:"train"`
	Model          runModel     `yaml:"model"`
	Sample         runSample    `yaml:"sample"`
}

type runNetwork struct {
	Type        string `yaml:"type"`
	Linear      int    `yaml:"linear"`
	LinearAlpha int    `yaml:"linear_alpha"`
}

type runSave struct {
	DType              string `yaml:"dtype"`
	SaveEvery          int    `yaml:"save_every"`
	MaxStepSavesToKeep int    `yaml:"max_step_saves_to_keep"`
}

type runDataset struct {
	FolderPath         string  `yaml:"folder_path"`
	CaptionExt         string  `yaml:"caption_ext"`
	CaptionDropoutRate float64 `yaml:"caption_dropout_rate"`
	ShuffleTokens      bool    `yaml:"shuffle_tokens"`
	CacheLatentsToDisk bool    `yaml:"cache_latents_to_disk"`
	Resolution         []int   `yaml:"resolution"`
}

type runTrain struct {
	BatchSize                 int     `yaml:"batch_size"`
	Steps                     int     `yaml:"steps"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	TrainUnet                 bool    `yaml:"train_unet"`
	TrainTextEncoder          bool    `yaml:"train_text_encoder"`
	GradientCheckpointing     bool    `yaml:"gradient_checkpointing"`
	NoiseScheduler            string  `yaml:"noise_scheduler"`
	Optimizer                 string  `yaml:"optimizer"`
	LR                        float64 `yaml:"lr"`
	DType                     string  `yaml:"dtype"`
}

type runModel struct {
	NameOrPath string `yaml:"name_or_path"`
	IsFlux     bool   `yaml:"is_flux"`
	Quantize   bool   `yaml:"quantize"`
}

type runSample struct {
	Sampler       string   `yaml:"sampler"`
	SampleEvery   int      `yaml:"sample_every"`
	Width         int      `yaml:"width"`
	Height        int      `yaml:"height"`
	Prompts       []string `yaml:"prompts"`
	Seed          int      `yaml:"seed"`
	WalkSeed      bool     `yaml:"walk_seed"`
	GuidanceScale float64  `yaml:"guidance_scale"`
	SampleSteps   int      `yaml:"sample_steps"`
}

type runMeta struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// renderRunConfig writes the per-run trainer YAML into runDir and returns
// its path. The trainer saves checkpoints and samples under runDir, which
// the supervisor harvests after exit.
func renderRunConfig(runDir, jobID string, config models.TrainingConfig, imagesDir, triggerWord string) (string, error) {
	sampleEvery := config.Steps / 4
	if sampleEvery == 0 {
		sampleEvery = config.Steps
	}

	doc := runConfig{
		Job: "extension",
		Config: runConfigBody{
			Name: jobID,
			Process: []runProcess{
				{
					Type:           "sd_trainer",
					TrainingFolder: runDir,
					Device:         "cuda:0",
					TriggerWord:    triggerWord,
					Network: runNetwork{
						Type:        "lora",
						Linear:      config.LoraRank,
						LinearAlpha: config.LoraRank,
					},
					Save: runSave{
						DType:              "float16",
						SaveEvery:          config.Steps,
						MaxStepSavesToKeep: 1,
					},
					Datasets: []runDataset{
						{
							FolderPath:         imagesDir,
							CaptionExt:         "txt",
							CaptionDropoutRate: 0.05,
							ShuffleTokens:      false,
							CacheLatentsToDisk: true,
							Resolution:         []int{config.Resolution},
						},
					},
					Train: runTrain{
						BatchSize:                 config.BatchSize,
						Steps:                     config.Steps,
						GradientAccumulationSteps: 1,
						TrainUnet:                 true,
						TrainTextEncoder:          false,
						GradientCheckpointing:     true,
						NoiseScheduler:            "flowmatch",
						Optimizer:                 "adamw8bit",
						LR:                        config.LearningRate,
						DType:                     "bf16",
					},
					Model: runModel{
						NameOrPath: "black-forest-labs/FLUX.1-dev",
						IsFlux:     true,
						Quantize:   true,
					},
					Sample: runSample{
						Sampler:       "flowmatch",
						SampleEvery:   sampleEvery,
						Width:         config.Resolution,
						Height:        config.Resolution,
						Prompts:       []string{fmt.Sprintf("portrait photo of %s", triggerWord)},
						Seed:          42,
						WalkSeed:      true,
						GuidanceScale: 4,
						SampleSteps:   20,
					},
				},
			},
		},
		Meta: runMeta{
			Name:    jobID,
			Version: "1.0",
		},
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to render trainer config: %w", err)
	}

	path := filepath.Join(runDir, jobID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write trainer config: %w", err)
	}
	return path, nil
}
