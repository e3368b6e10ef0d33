// Package executor drives jobs through their lifecycle: store updates,
// progress events, plugin invocation, artifact handling. The store update
// for any state change always lands before the matching bus publish.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/logs"
	"github.com/ternarybob/effigo/internal/loras"
	"github.com/ternarybob/effigo/internal/models"
)

// imageExtensions are the upload formats counted as training images
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Executor runs training and generation jobs against the configured
// plugins. One instance serves both the worker loop (queue mode) and the
// API handlers (direct execution mode).
type Executor struct {
	logger     arbor.ILogger
	config     *common.Config
	jobs       interfaces.JobStorage
	characters interfaces.CharacterStorage
	bus        interfaces.ProgressBus
	trainer    interfaces.TrainingPlugin
	imager     interfaces.ImagePlugin

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	cancelled bool
}

// NewExecutor creates the job executor with its storage, bus, and plugins
func NewExecutor(logger arbor.ILogger, config *common.Config, storage interfaces.StorageManager, bus interfaces.ProgressBus, trainer interfaces.TrainingPlugin, imager interfaces.ImagePlugin) *Executor {
	return &Executor{
		logger:     logger,
		config:     config,
		jobs:       storage.JobStorage(),
		characters: storage.CharacterStorage(),
		bus:        bus,
		trainer:    trainer,
		imager:     imager,
		runs:       make(map[string]*runHandle),
	}
}

// ExecuteTraining runs a training job to a terminal state. The job record
// is marked running first, then the run advances through the stage machine:
// initializing, preparing_dataset, training, exporting. A cancelled job
// returns nil without touching the record; the cancel endpoint already
// flipped it and published the terminal event.
func (e *Executor) ExecuteTraining(ctx context.Context, job *models.Job, character *models.Character) error {
	jobID := job.ID
	e.beginRun(jobID)
	defer e.endRun(jobID)

	tl := logs.NewTrainingJobLogger(e.logger, jobID)

	config, err := models.TrainingConfigFromJSON(job.Config)
	if err != nil {
		return e.failTraining(ctx, tl, jobID, models.StageInitializing,
			models.Errorf(models.KindValidationRejected, "invalid training config: %v", err))
	}
	config.ApplyDefaults()
	totalSteps := config.Steps

	stage, err := advanceStage(models.StageQueued, models.StageInitializing)
	if err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	startedAt := time.Now().UTC()
	if err := e.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, map[string]interface{}{
		"started_at":  startedAt,
		"total_steps": totalSteps,
		"stage":       stage,
		"progress":    0.0,
		"message":     "Training started",
	}); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	initEvent := models.NewProgressEvent(jobID, models.JobStatusRunning, stage, 0, "Training started")
	initEvent.TotalSteps = totalSteps
	e.publish(ctx, initEvent)

	tl.Start(totalSteps, map[string]interface{}{
		"method":        config.Method,
		"steps":         config.Steps,
		"learning_rate": config.LearningRate,
		"batch_size":    config.BatchSize,
		"resolution":    config.Resolution,
		"lora_rank":     config.LoraRank,
	})
	tl.Info("plugin.selected", fmt.Sprintf("Using training plugin: %s", e.trainer.Name()), nil)

	tl.Info("config.validate", "Validating configuration", nil)
	if err := e.trainer.ValidateConfig(*config); err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	if stage, err = advanceStage(stage, models.StagePreparingDataset); err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	imagesDir := filepath.Join(e.config.CharacterUploadsDir(), character.ID)
	imageCount := countImages(imagesDir)
	if imageCount == 0 {
		return e.failTraining(ctx, tl, jobID, stage,
			models.Errorf(models.KindValidationRejected, "No training images found for character %s", character.ID))
	}
	tl.Info(models.EventDatasetReady, fmt.Sprintf("Found %d training images", imageCount), map[string]interface{}{
		"image_count": imageCount,
		"images_dir":  imagesDir,
	})

	loraDir := filepath.Join(e.config.LorasDir(), character.ID)
	outputPath, version := loras.NextVersionPath(loraDir)
	tl.Info(models.EventPathsPrepared, fmt.Sprintf("Output path: %s", outputPath), map[string]interface{}{
		"lora_dir": loraDir,
		"version":  version,
	})

	if stage, err = advanceStage(stage, models.StageTraining); err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	var sampler *gpuSampler
	if e.config.IsProduction() {
		sampler = newGPUSampler(e.logger)
		sampler.Start(ctx)
		defer sampler.Stop()
	}

	triggerWord := character.EffectiveTriggerWord()
	state := &trainState{
		executor:  e,
		tl:        tl,
		jobID:     jobID,
		total:     totalSteps,
		startedAt: startedAt,
		gate:      newEmitGate(startedAt),
		sampler:   sampler,
	}
	d := newDispatch(state.apply)

	tl.Info("training.execute", "Starting training execution", nil)
	result, trainErr := e.trainer.Train(ctx, jobID, *config, imagesDir, outputPath, triggerWord, d.Offer)
	d.Stop()

	if e.wasCancelled(jobID) || ctx.Err() != nil {
		tl.Info(models.EventJobCancelled, "Training run stopped after cancellation", nil)
		return nil
	}
	if trainErr != nil {
		return e.failTraining(ctx, tl, jobID, stage, trainErr)
	}
	if !result.Success {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "Training failed"
		}
		return e.failTraining(ctx, tl, jobID, stage, models.E(models.KindPluginFailed, msg))
	}

	if stage, err = advanceStage(stage, models.StageExporting); err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	completedAt := time.Now().UTC()
	trainingTime := completedAt.Sub(startedAt).Seconds()

	sidecar := models.TrainingSidecar{
		JobID:               jobID,
		CharacterID:         character.ID,
		TriggerWord:         triggerWord,
		Config:              *config,
		OutputPath:          outputPath,
		FinalLoss:           result.FinalLoss,
		TotalSteps:          result.TotalSteps,
		TrainingTimeSeconds: trainingTime,
		SamplesGenerated:    result.SamplesGenerated,
		CompletedAt:         completedAt,
	}
	if err := writeSidecar(loraDir, sidecar); err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	character.LoraPath = outputPath
	character.LoraTrainedAt = &completedAt
	character.UpdatedAt = completedAt
	if err := e.characters.UpdateCharacter(ctx, character); err != nil {
		e.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to update character lora pointer")
	}

	if stage, err = advanceStage(stage, models.StageCompleted); err != nil {
		return e.failTraining(ctx, tl, jobID, stage, err)
	}

	metrics := models.JobMetrics{
		ElapsedSeconds: trainingTime,
		FinalLoss:      result.FinalLoss,
	}
	if err := e.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted, map[string]interface{}{
		"progress":     100.0,
		"current_step": totalSteps,
		"stage":        stage,
		"message":      "Training completed successfully",
		"output_path":  outputPath,
		"completed_at": completedAt,
		"metrics":      metrics,
	}); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	finalLoss := 0.0
	if result.FinalLoss != nil {
		finalLoss = *result.FinalLoss
	}
	tl.Complete(outputPath, trainingTime, finalLoss)

	event := models.NewProgressEvent(jobID, models.JobStatusCompleted, stage, 100, "Training completed successfully")
	event.CurrentStep = totalSteps
	event.TotalSteps = totalSteps
	event.Loss = result.FinalLoss
	event.ElapsedSeconds = trainingTime
	e.publish(ctx, event)

	e.logger.Info().
		Str("event", models.EventJobCompleted).
		Str("job_id", jobID).
		Str("output_path", outputPath).
		Float64("training_time", trainingTime).
		Int("samples_generated", result.SamplesGenerated).
		Msg("Training job completed")
	return nil
}

// ExecuteGeneration runs a generation job to a terminal state. The backend
// health check runs before any work; an unhealthy backend fails the job
// immediately.
func (e *Executor) ExecuteGeneration(ctx context.Context, job *models.Job, count int) error {
	jobID := job.ID
	e.beginRun(jobID)
	defer e.endRun(jobID)

	jl := logs.NewJobLogger(e.logger, jobID)

	config, err := models.GenerationConfigFromJSON(job.Config)
	if err != nil {
		return e.failGeneration(ctx, jl, jobID,
			models.Errorf(models.KindValidationRejected, "invalid generation config: %v", err))
	}
	config.ApplyDefaults()
	if count < 1 {
		count = 1
	}

	startedAt := time.Now().UTC()
	if err := e.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, map[string]interface{}{
		"started_at":  startedAt,
		"total_steps": config.Steps,
		"progress":    0.0,
		"message":     "Generation started",
	}); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	startEvent := models.NewProgressEvent(jobID, models.JobStatusRunning, "", 0, "Generation started")
	e.publish(ctx, startEvent)

	prompt := config.Prompt
	if len(prompt) > 50 {
		prompt = prompt[:50] + "..."
	}
	jl.Info(models.EventJobStarted, "Starting generation job execution", map[string]interface{}{
		"prompt": prompt,
		"count":  count,
	})

	if err := e.imager.CheckHealth(ctx); err != nil {
		return e.failGeneration(ctx, jl, jobID, err)
	}

	outputDir := filepath.Join(e.config.OutputsDir(), jobID)

	loraPath := ""
	if config.LoraID != "" {
		if latest, ok := loras.Latest(filepath.Join(e.config.LorasDir(), config.LoraID)); ok {
			loraPath = latest.Path
		}
	}

	state := &genState{
		executor:  e,
		jobID:     jobID,
		startedAt: startedAt,
		gate:      newEmitGate(startedAt),
	}
	d := newDispatch(state.apply)

	result, genErr := e.imager.Generate(ctx, *config, outputDir, loraPath, count, d.OfferGeneration)
	d.Stop()

	if e.wasCancelled(jobID) || ctx.Err() != nil {
		jl.Info(models.EventJobCancelled, "Generation run stopped after cancellation", nil)
		return nil
	}
	if genErr != nil {
		return e.failGeneration(ctx, jl, jobID, genErr)
	}
	if !result.Success {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "Generation failed"
		}
		return e.failGeneration(ctx, jl, jobID, models.E(models.KindPluginFailed, msg))
	}

	completedAt := time.Now().UTC()
	message := fmt.Sprintf("Generated %d image(s)", len(result.OutputPaths))
	if err := e.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted, map[string]interface{}{
		"progress":     100.0,
		"message":      message,
		"output_paths": result.OutputPaths,
		"completed_at": completedAt,
		"metrics":      models.JobMetrics{ElapsedSeconds: completedAt.Sub(startedAt).Seconds()},
	}); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	event := models.NewProgressEvent(jobID, models.JobStatusCompleted, "", 100, message)
	e.publish(ctx, event)

	jl.Info(models.EventJobCompleted, "Generation job completed", map[string]interface{}{
		"output_count":    len(result.OutputPaths),
		"generation_time": result.GenerationTimeSeconds,
	})
	return nil
}

// Cancel flags a running job and forwards cancellation to the owning plugin.
// The API layer owns the record flip and the terminal event; this only stops
// the work.
func (e *Executor) Cancel(jobID string) error {
	e.mu.Lock()
	if h, ok := e.runs[jobID]; ok {
		h.cancelled = true
	}
	e.mu.Unlock()

	if strings.HasPrefix(jobID, "gen-") {
		if err := e.imager.Cancel(jobID); err != nil {
			e.logger.Warn().Str("job_id", jobID).Err(err).Msg("Image plugin cancel failed")
		}
		return nil
	}
	if err := e.trainer.Cancel(jobID); err != nil {
		e.logger.Warn().Str("job_id", jobID).Err(err).Msg("Training plugin cancel failed")
	}
	return nil
}

// trainState carries one training run's emit pipeline
type trainState struct {
	executor  *Executor
	tl        *logs.TrainingJobLogger
	jobID     string
	total     int
	startedAt time.Time
	gate      *emitGate
	sampler   *gpuSampler
}

// apply handles one dispatched update: samples bypass the throttle and are
// copied into the artifact tree; step progress goes through the gate with
// derived metrics. Store update happens before the bus publish either way.
func (s *trainState) apply(update models.TrainingProgress, sample bool) {
	// A cancel may land between ticks; stop persisting once it has
	if s.executor.wasCancelled(s.jobID) {
		return
	}
	ctx := context.Background()
	now := time.Now().UTC()

	if sample {
		s.applySample(ctx, update, now)
		return
	}

	speed, ok := s.gate.Next(update.CurrentStep, now)
	if !ok {
		return
	}

	total := update.TotalSteps
	if total == 0 {
		total = s.total
	}
	message := update.Message
	if message == "" {
		message = fmt.Sprintf("Step %d/%d", update.CurrentStep, total)
	}

	elapsed := now.Sub(s.startedAt).Seconds()
	eta := 0.0
	if speed > 0 && total > update.CurrentStep {
		eta = float64(total-update.CurrentStep) / speed
	}

	metrics := models.JobMetrics{
		ElapsedSeconds: elapsed,
		IterationSpeed: speed,
		ETASeconds:     eta,
	}
	if s.sampler != nil {
		metrics.GPU = s.sampler.Latest()
	}

	pct := update.Percentage()
	if err := s.executor.jobs.UpdateJobStatus(ctx, s.jobID, models.JobStatusRunning, map[string]interface{}{
		"progress":     pct,
		"current_step": update.CurrentStep,
		"total_steps":  total,
		"stage":        models.StageTraining,
		"message":      message,
		"metrics":      metrics,
	}); err != nil {
		s.executor.logger.Warn().Str("job_id", s.jobID).Err(err).Msg("Failed to persist progress update")
		return
	}

	event := models.NewProgressEvent(s.jobID, models.JobStatusRunning, models.StageTraining, pct, message)
	event.CurrentStep = update.CurrentStep
	event.TotalSteps = total
	event.Loss = update.Loss
	event.LearningRate = update.LearningRate
	event.ElapsedSeconds = elapsed
	event.IterationSpeed = speed
	event.ETASeconds = eta
	s.executor.publish(ctx, event)
}

// applySample records a new sample preview: artifact log entry, best-effort
// copy into the job's artifact tree, and an immediate progress event with
// the preview URL.
func (s *trainState) applySample(ctx context.Context, update models.TrainingProgress, now time.Time) {
	samplePath := s.executor.collectSample(s.jobID, update.PreviewPath)
	s.tl.SampleGenerated(samplePath, update.CurrentStep)

	total := update.TotalSteps
	if total == 0 {
		total = s.total
	}
	message := fmt.Sprintf("Sample image generated at step %d", update.CurrentStep)

	event := models.NewProgressEvent(s.jobID, models.JobStatusRunning, models.StageTraining, update.Percentage(), message)
	event.CurrentStep = update.CurrentStep
	event.TotalSteps = total
	event.Loss = update.Loss
	event.SamplePath = samplePath
	event.PreviewURL = fmt.Sprintf("/api/jobs/%s/artifacts/samples/%s", s.jobID, filepath.Base(samplePath))
	s.executor.publish(ctx, event)
}

// genState carries one generation run's emit pipeline. Generation records
// only track percentage, not step counters.
type genState struct {
	executor  *Executor
	jobID     string
	startedAt time.Time
	gate      *emitGate
}

func (s *genState) apply(update models.TrainingProgress, sample bool) {
	if s.executor.wasCancelled(s.jobID) {
		return
	}
	ctx := context.Background()
	now := time.Now().UTC()

	if _, ok := s.gate.Next(update.CurrentStep, now); !ok {
		return
	}

	message := update.Message
	if message == "" {
		message = "Generating..."
	}
	pct := update.Percentage()

	if err := s.executor.jobs.UpdateJobStatus(ctx, s.jobID, models.JobStatusRunning, map[string]interface{}{
		"progress": pct,
		"message":  message,
	}); err != nil {
		s.executor.logger.Warn().Str("job_id", s.jobID).Err(err).Msg("Failed to persist progress update")
		return
	}

	event := models.NewProgressEvent(s.jobID, models.JobStatusRunning, "", pct, message)
	event.CurrentStep = update.CurrentStep
	event.TotalSteps = update.TotalSteps
	event.ElapsedSeconds = now.Sub(s.startedAt).Seconds()
	s.executor.publish(ctx, event)
}

// collectSample copies a sample written outside the job's artifact tree into
// <artifacts>/<job_id>/samples so the artifacts API can serve it. Returns the
// path the API will serve.
func (e *Executor) collectSample(jobID, srcPath string) string {
	destDir := filepath.Join(e.config.ArtifactsDir(), jobID, "samples")
	destPath := filepath.Join(destDir, filepath.Base(srcPath))
	if srcPath == destPath {
		return srcPath
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return srcPath
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return srcPath
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return srcPath
	}
	return destPath
}

func (e *Executor) failTraining(ctx context.Context, tl *logs.TrainingJobLogger, jobID string, stage models.TrainingStage, cause error) error {
	msg := cause.Error()
	completedAt := time.Now().UTC()
	if err := e.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, map[string]interface{}{
		"error_message": msg,
		"completed_at":  completedAt,
		"stage":         models.StageFailed,
		"message":       "Training failed: " + msg,
	}); err != nil {
		e.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to persist job failure")
	}
	tl.Fail(cause, string(stage))

	event := models.NewProgressEvent(jobID, models.JobStatusFailed, models.StageFailed, 0, "Training failed: "+msg)
	event.Error = msg
	e.attachRecordProgress(ctx, jobID, &event)
	e.publish(ctx, event)
	return cause
}

func (e *Executor) failGeneration(ctx context.Context, jl *logs.JobLogger, jobID string, cause error) error {
	msg := cause.Error()
	completedAt := time.Now().UTC()
	if err := e.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, map[string]interface{}{
		"error_message": msg,
		"completed_at":  completedAt,
		"message":       "Generation failed: " + msg,
	}); err != nil {
		e.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to persist job failure")
	}
	jl.Error(models.EventJobFailed, "Generation failed: "+msg, map[string]interface{}{
		"error": msg,
	})

	event := models.NewProgressEvent(jobID, models.JobStatusFailed, "", 0, "Generation failed: "+msg)
	event.Error = msg
	e.attachRecordProgress(ctx, jobID, &event)
	e.publish(ctx, event)
	return cause
}

// attachRecordProgress copies the persisted progress counters onto a
// terminal event so failure events carry the job's last known position.
func (e *Executor) attachRecordProgress(ctx context.Context, jobID string, event *models.ProgressEvent) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	event.Progress = job.Progress
	event.CurrentStep = job.CurrentStep
	event.TotalSteps = job.TotalSteps
}

func (e *Executor) publish(ctx context.Context, event models.ProgressEvent) {
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Warn().Str("job_id", event.JobID).Err(err).Msg("Failed to publish progress event")
	}
}

func (e *Executor) beginRun(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[jobID] = &runHandle{}
}

func (e *Executor) endRun(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, jobID)
}

func (e *Executor) wasCancelled(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.runs[jobID]; ok {
		return h.cancelled
	}
	return false
}

func advanceStage(current, next models.TrainingStage) (models.TrainingStage, error) {
	if !current.CanTransition(next) {
		return current, fmt.Errorf("invalid stage transition %s -> %s", current, next)
	}
	return next, nil
}

func countImages(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			count++
		}
	}
	return count
}

func writeSidecar(loraDir string, sidecar models.TrainingSidecar) error {
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal training sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(loraDir, loras.SidecarFilename), data, 0o644); err != nil {
		return fmt.Errorf("failed to write training sidecar: %w", err)
	}
	return nil
}

var _ interfaces.JobExecutor = (*Executor)(nil)
