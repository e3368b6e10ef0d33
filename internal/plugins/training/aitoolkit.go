package training

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/capabilities"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/logs"
	"github.com/ternarybob/effigo/internal/models"
)

const (
	// maxLineBytes bounds a single trainer output line. tqdm bars and
	// traceback lines stay far below this; anything larger is truncated by
	// the scanner rather than taking the stream down.
	maxLineBytes = 1024 * 1024

	// killGrace is how long a terminated trainer gets to exit cleanly
	// before it is killed.
	killGrace = 5 * time.Second
)

// AIToolkitPlugin runs LoRA training through the ai-toolkit trainer as a
// supervised subprocess. It renders a per-run YAML config, streams both
// output pipes into the job log and raw mirror files, parses progress
// markers from the stream, and harvests the model file after exit.
type AIToolkitPlugin struct {
	logger    arbor.ILogger
	command   string
	configDir string
	mirrorDir string

	mu    sync.Mutex
	procs map[string]*trainerProc
}

type trainerProc struct {
	cmd       *exec.Cmd
	done      chan struct{}
	cancelled atomic.Bool
}

// NewAIToolkitPlugin creates the production training backend. command is the
// trainer executable, configDir is where per-run YAML configs and training
// output live, mirrorDir is where raw subprocess output is mirrored.
func NewAIToolkitPlugin(logger arbor.ILogger, command, configDir, mirrorDir string) *AIToolkitPlugin {
	return &AIToolkitPlugin{
		logger:    logger,
		command:   command,
		configDir: configDir,
		mirrorDir: mirrorDir,
		procs:     make(map[string]*trainerProc),
	}
}

// Name returns the plugin identifier
func (p *AIToolkitPlugin) Name() string {
	return "ai-toolkit"
}

// SupportedMethods lists the training methods ai-toolkit serves
func (p *AIToolkitPlugin) SupportedMethods() []string {
	return []string{models.TrainingMethodLora}
}

// Capabilities returns the parameter wiring for the ai-toolkit backend
func (p *AIToolkitPlugin) Capabilities() models.CapabilitySet {
	return capabilities.AIToolkitTraining()
}

// ValidateConfig checks the config against ai-toolkit's capability set
func (p *AIToolkitPlugin) ValidateConfig(config models.TrainingConfig) error {
	if config.Method != models.TrainingMethodLora {
		return models.Errorf(models.KindValidationRejected,
			"Training method '%s' is not supported", config.Method)
	}
	if err := capabilities.ValidateTrainingConfig(config, p.Capabilities()); err != nil {
		return err
	}
	if config.LoraRank > 64 {
		p.logger.Warn().Int("lora_rank", config.LoraRank).Msg("High LoRA rank may cause instability")
	}
	return nil
}

// Train renders the run config, launches the trainer, and supervises it to
// completion. Progress is parsed from the output streams; cancellation
// escalates from SIGTERM to SIGKILL after a grace period.
func (p *AIToolkitPlugin) Train(ctx context.Context, jobID string, config models.TrainingConfig, imagesDir, outputPath, triggerWord string, progress interfaces.TrainingProgressFunc) (*models.TrainingResult, error) {
	jl := logs.NewJobLogger(p.logger, jobID)
	start := time.Now()

	runDir := filepath.Join(p.configDir, jobID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	configPath, err := renderRunConfig(runDir, jobID, config, imagesDir, triggerWord)
	if err != nil {
		return nil, err
	}
	jl.Info("subprocess.config", "Trainer config rendered", map[string]interface{}{
		"config_path": configPath,
		"command":     p.command,
	})

	cmd := exec.CommandContext(ctx, p.command, configPath)
	cmd.Dir = runDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open trainer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open trainer stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, models.Errorf(models.KindPluginFailed, "failed to start trainer: %v", err)
	}

	proc := &trainerProc{cmd: cmd, done: make(chan struct{})}
	p.mu.Lock()
	p.procs[jobID] = proc
	p.mu.Unlock()
	defer func() {
		close(proc.done)
		p.mu.Lock()
		delete(p.procs, jobID)
		p.mu.Unlock()
	}()

	jl.Info("subprocess.start", "Trainer process started", map[string]interface{}{
		"pid":   cmd.Process.Pid,
		"steps": config.Steps,
	})

	// Both pipes feed one parser; the mutex keeps step accounting coherent.
	parser := &lineParser{total: config.Steps}
	var parseMu sync.Mutex
	samples := 0
	onLine := func(line string) {
		parseMu.Lock()
		update, ok := parser.Parse(line)
		if ok && update.PreviewPath != "" {
			samples++
		}
		parseMu.Unlock()
		if ok && progress != nil {
			progress(update)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.streamPipe(&wg, jl, jobID, "stdout", stdout, onLine)
	go p.streamPipe(&wg, jl, jobID, "stderr", stderr, onLine)
	wg.Wait()

	waitErr := cmd.Wait()
	elapsed := time.Since(start).Seconds()

	parseMu.Lock()
	finalStep := parser.step
	finalLoss := parser.loss
	parseMu.Unlock()

	if proc.cancelled.Load() || ctx.Err() != nil {
		jl.Info("subprocess.exit", "Trainer cancelled", map[string]interface{}{
			"elapsed_seconds": elapsed,
		})
		return &models.TrainingResult{
			Success:      false,
			ErrorMessage: "Training cancelled by user",
			TotalSteps:   finalStep,
		}, nil
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		jl.Error("subprocess.exit", "Trainer exited with error", map[string]interface{}{
			"exit_code":       exitCode,
			"elapsed_seconds": elapsed,
		})
		return &models.TrainingResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("trainer exited with code %d (see subprocess log for details)", exitCode),
			TotalSteps:   finalStep,
		}, nil
	}

	jl.Info("subprocess.exit", "Trainer exited cleanly", map[string]interface{}{
		"elapsed_seconds": elapsed,
	})

	if err := p.harvestModel(runDir, jobID, outputPath); err != nil {
		return &models.TrainingResult{
			Success:      false,
			ErrorMessage: err.Error(),
			TotalSteps:   finalStep,
		}, nil
	}

	return &models.TrainingResult{
		Success:             true,
		OutputPath:          outputPath,
		TotalSteps:          config.Steps,
		FinalLoss:           finalLoss,
		TrainingTimeSeconds: elapsed,
		SamplesGenerated:    samples,
	}, nil
}

// Cancel terminates the trainer for the given job: SIGTERM first, SIGKILL
// if it has not exited after the grace period.
func (p *AIToolkitPlugin) Cancel(jobID string) error {
	p.mu.Lock()
	proc := p.procs[jobID]
	p.mu.Unlock()
	if proc == nil {
		return nil
	}

	proc.cancelled.Store(true)
	if proc.cmd.Process == nil {
		return nil
	}
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to signal trainer, killing")
		return proc.cmd.Process.Kill()
	}
	p.logger.Info().Str("job_id", jobID).Msg("Sent termination signal to trainer process")

	go func() {
		select {
		case <-proc.done:
		case <-time.After(killGrace):
			p.logger.Warn().Str("job_id", jobID).Msg("Trainer did not exit after SIGTERM, killing")
			_ = proc.cmd.Process.Kill()
		}
	}()
	return nil
}

// streamPipe reads one output pipe line by line: each line is mirrored raw
// to the subprocess log file, emitted as a job log event, and fed to the
// progress parser.
func (p *AIToolkitPlugin) streamPipe(wg *sync.WaitGroup, jl *logs.JobLogger, jobID, name string, pipe io.Reader, onLine func(string)) {
	defer wg.Done()

	var mirror *os.File
	if p.mirrorDir != "" {
		path := filepath.Join(p.mirrorDir, fmt.Sprintf("%s.%s.log", jobID, name))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to open subprocess mirror file")
		} else {
			mirror = f
			defer mirror.Close()
		}
	}

	event := "subprocess." + name
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if mirror != nil {
			mirror.WriteString(line + "\n")
		}
		jl.Info(event, line, nil)
		onLine(line)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn().Str("job_id", jobID).Str("pipe", name).Err(err).Msg("Trainer output stream ended with error")
	}
}

// harvestModel moves the trainer's saved model into the versioned output
// path. ai-toolkit writes checkpoints under <runDir>/<jobID>/.
func (p *AIToolkitPlugin) harvestModel(runDir, jobID, outputPath string) error {
	matches, err := filepath.Glob(filepath.Join(runDir, jobID, "*.safetensors"))
	if err != nil || len(matches) == 0 {
		// Some trainer versions save directly into the run dir
		matches, _ = filepath.Glob(filepath.Join(runDir, "*.safetensors"))
	}
	if len(matches) == 0 {
		return models.E(models.KindPluginFailed, "trainer exited cleanly but produced no model file")
	}
	sort.Strings(matches)
	newest := matches[len(matches)-1]

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.Rename(newest, outputPath); err != nil {
		// Rename fails across filesystems; fall back to a copy
		data, readErr := os.ReadFile(newest)
		if readErr != nil {
			return fmt.Errorf("failed to move model file: %w", err)
		}
		if writeErr := os.WriteFile(outputPath, data, 0o644); writeErr != nil {
			return fmt.Errorf("failed to copy model file: %w", writeErr)
		}
	}
	return nil
}
