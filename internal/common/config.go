package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Mode       string        `toml:"mode"`        // "fast-test" or "production" - selects mock vs real plugins
	VolumeRoot string        `toml:"volume_root"` // Root for all persistent data (characters, loras, outputs, logs)
	Server     ServerConfig  `toml:"server"`
	Storage    StorageConfig `toml:"storage"`
	Queue      QueueConfig   `toml:"queue"`
	Logging    LoggingConfig `toml:"logging"`
	Plugins    PluginsConfig `toml:"plugins"`
	UELR       UELRConfig    `toml:"uelr"`
}

type ServerConfig struct {
	Port    int    `toml:"port"`
	Host    string `toml:"host"`
	Service string `toml:"service"` // "api", "worker", or "all" - which roles this process runs
}

type StorageConfig struct {
	Type   string       `toml:"type"` // "badger" (single-process) or "redis" (shared with workers)
	Badger BadgerConfig `toml:"badger"`
	Redis  RedisConfig  `toml:"redis"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	GCInterval     string `toml:"gc_interval"`      // Value-log garbage collection cadence
}

// RedisConfig represents the Redis-backed store configuration
type RedisConfig struct {
	URL string `toml:"url"` // redis://host:port/db
}

// QueueConfig controls the Redis Streams job queue. When disabled, jobs execute
// in-process and progress flows through the in-memory bus.
type QueueConfig struct {
	Enabled       bool   `toml:"enabled"`
	RedisURL      string `toml:"redis_url"`
	ConsumerName  string `toml:"consumer_name"`
	BlockMs       int    `toml:"block_ms"`       // Total blocking budget per consume round, split across streams
	StaleAfter    string `toml:"stale_after"`    // Running jobs with no update for this long are marked failed
	SweepInterval string `toml:"sweep_interval"` // How often the stale job detector runs
}

type LoggingConfig struct {
	Level         string `toml:"level"`           // "trace", "debug", "info", "warn", "error"
	Root          string `toml:"root"`            // Log root directory (default: <volume_root>/logs)
	MaxSizeMB     int    `toml:"max_size_mb"`     // Max size per log file before arbor rotates
	MaxBackups    int    `toml:"max_backups"`     // Rotated file copies arbor keeps
	MinEventLevel string `toml:"min_event_level"` // Minimum level mirrored into per-job log files
}

// PluginsConfig holds per-backend plugin settings
type PluginsConfig struct {
	AIToolkit AIToolkitConfig `toml:"ai_toolkit"`
	ComfyUI   ComfyUIConfig   `toml:"comfyui"`
}

// AIToolkitConfig configures the subprocess-based training backend
type AIToolkitConfig struct {
	Command   string `toml:"command"`    // Trainer executable (e.g. path to run.py wrapper)
	ConfigDir string `toml:"config_dir"` // Where per-run YAML configs are rendered (default: <volume_root>/cache)
}

// ComfyUIConfig configures the HTTP-based image generation backend
type ComfyUIConfig struct {
	URL            string `toml:"url"`
	RequestTimeout string `toml:"request_timeout"`
}

// UELRConfig controls the interaction register
type UELRConfig struct {
	Dir             string `toml:"dir"`              // Register root (default: <log_root>/uelr)
	MaxInteractions int    `toml:"max_interactions"` // Oldest interactions beyond this are evicted
	MaxSteps        int    `toml:"max_steps"`        // Per-interaction step cap
	RetentionDays   int    `toml:"retention_days"`
	CleanupSchedule string `toml:"cleanup_schedule"` // Cron expression for the retention sweep
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for stability; only user-facing
// settings should be exposed in effigo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Mode: "fast-test", // Mock plugins by default - production must be opted into
		Server: ServerConfig{
			Port:    8080,
			Host:    "0.0.0.0",
			Service: "all", // Run api and worker in one process unless split
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:       "./data/db",
				GCInterval: "30m",
			},
			Redis: RedisConfig{
				URL: "redis://localhost:6379/0",
			},
		},
		Queue: QueueConfig{
			Enabled:       false, // In-memory bus + direct execution by default
			RedisURL:      "redis://localhost:6379/0",
			ConsumerName:  "worker-1",
			BlockMs:       5000,
			StaleAfter:    "30m",
			SweepInterval: "5m",
		},
		Logging: LoggingConfig{
			Level:         "info",
			MaxSizeMB:     100,
			MaxBackups:    3,
			MinEventLevel: "debug",
		},
		Plugins: PluginsConfig{
			AIToolkit: AIToolkitConfig{
				Command: "ai-toolkit-train",
			},
			ComfyUI: ComfyUIConfig{
				URL:            "http://localhost:8188",
				RequestTimeout: "30s",
			},
		},
		UELR: UELRConfig{
			MaxInteractions: 1000,
			MaxSteps:        500,
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *", // Daily at 03:00
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files; CLI flags are
// applied afterwards via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	config.Mode = NormalizeMode(config.Mode)
	config.VolumeRoot = ResolveVolumeRoot(config.VolumeRoot)

	return config, nil
}

// applyEnvOverrides applies EFFIGO_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if mode := os.Getenv("EFFIGO_MODE"); mode != "" {
		config.Mode = mode
	}

	// Server configuration
	if port := os.Getenv("EFFIGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("EFFIGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if service := os.Getenv("EFFIGO_SERVICE"); service != "" {
		config.Server.Service = service
	}

	// Storage configuration
	if storageType := os.Getenv("EFFIGO_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if badgerPath := os.Getenv("EFFIGO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if redisURL := os.Getenv("EFFIGO_REDIS_URL"); redisURL != "" {
		config.Storage.Redis.URL = redisURL
		config.Queue.RedisURL = redisURL
	}

	// Queue configuration
	if enabled := os.Getenv("EFFIGO_QUEUE_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Queue.Enabled = e
		}
	}
	if queueURL := os.Getenv("EFFIGO_QUEUE_REDIS_URL"); queueURL != "" {
		config.Queue.RedisURL = queueURL
	}
	if consumerName := os.Getenv("EFFIGO_QUEUE_CONSUMER_NAME"); consumerName != "" {
		config.Queue.ConsumerName = consumerName
	}
	if blockMs := os.Getenv("EFFIGO_QUEUE_BLOCK_MS"); blockMs != "" {
		if b, err := strconv.Atoi(blockMs); err == nil && b > 0 {
			config.Queue.BlockMs = b
		}
	}

	// Volume root
	if volumeRoot := os.Getenv("EFFIGO_VOLUME_ROOT"); volumeRoot != "" {
		config.VolumeRoot = volumeRoot
	}

	// Logging configuration
	if level := os.Getenv("EFFIGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if root := os.Getenv("EFFIGO_LOG_ROOT"); root != "" {
		config.Logging.Root = root
	}
	if minEventLevel := os.Getenv("EFFIGO_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	// Plugin configuration
	if command := os.Getenv("EFFIGO_AI_TOOLKIT_COMMAND"); command != "" {
		config.Plugins.AIToolkit.Command = command
	}
	if url := os.Getenv("EFFIGO_COMFYUI_URL"); url != "" {
		config.Plugins.ComfyUI.URL = url
	}

	// UELR configuration
	if dir := os.Getenv("EFFIGO_UELR_DIR"); dir != "" {
		config.UELR.Dir = dir
	}
	if retention := os.Getenv("EFFIGO_UELR_RETENTION_DAYS"); retention != "" {
		if r, err := strconv.Atoi(retention); err == nil && r > 0 {
			config.UELR.RetentionDays = r
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, service string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if service != "" {
		config.Server.Service = service
	}
}

// NormalizeMode canonicalizes the mode string: lowercase, underscores become
// hyphens, empty defaults to fast-test.
func NormalizeMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	m = strings.ReplaceAll(m, "_", "-")
	if m == "" {
		return "fast-test"
	}
	return m
}

// ResolveVolumeRoot resolves the data root. An explicit value wins; otherwise
// well-known mount points are probed before falling back to ./data.
func ResolveVolumeRoot(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, candidate := range []string{"/runpod-volume/effigo", "/workspace/effigo"} {
		if info, err := os.Stat(filepath.Dir(candidate)); err == nil && info.IsDir() {
			return candidate
		}
	}
	return "./data"
}

// IsProduction returns true when real plugin backends should be used
func (c *Config) IsProduction() bool {
	return NormalizeMode(c.Mode) == "production"
}

// IsFastTest returns true when mock plugins should be used
func (c *Config) IsFastTest() bool {
	return !c.IsProduction()
}

// QueueEnabled reports whether jobs flow through Redis Streams
func (c *Config) QueueEnabled() bool {
	return c.Queue.Enabled
}

// LogRoot returns the resolved log root directory
func (c *Config) LogRoot() string {
	if c.Logging.Root != "" {
		return c.Logging.Root
	}
	return filepath.Join(c.VolumeRoot, "logs")
}

// UELRRoot returns the resolved interaction register root
func (c *Config) UELRRoot() string {
	if c.UELR.Dir != "" {
		return c.UELR.Dir
	}
	return filepath.Join(c.LogRoot(), "uelr")
}

// JobLogDir returns the per-job JSONL log directory
func (c *Config) JobLogDir() string {
	return filepath.Join(c.VolumeRoot, "logs", "jobs")
}

// CharacterUploadsDir returns the character image upload root
func (c *Config) CharacterUploadsDir() string {
	return filepath.Join(c.VolumeRoot, "characters", "uploads")
}

// LorasDir returns the trained LoRA output root
func (c *Config) LorasDir() string {
	return filepath.Join(c.VolumeRoot, "loras")
}

// OutputsDir returns the generated image output root
func (c *Config) OutputsDir() string {
	return filepath.Join(c.VolumeRoot, "outputs")
}

// ArtifactsDir returns the per-job artifact root (samples, checkpoints)
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.VolumeRoot, "artifacts", "jobs")
}

// EnsureDirectories creates the storage contract directories under volume_root
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.CharacterUploadsDir(),
		filepath.Join(c.VolumeRoot, "datasets"),
		filepath.Join(c.VolumeRoot, "synthetic"),
		c.LorasDir(),
		c.OutputsDir(),
		filepath.Join(c.VolumeRoot, "cache"),
		c.JobLogDir(),
		filepath.Join(c.VolumeRoot, "artifacts", "jobs"),
		filepath.Join(c.VolumeRoot, "uploaded_loras"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
