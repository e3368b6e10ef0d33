package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/loras"
	"github.com/ternarybob/effigo/internal/models"
	"github.com/ternarybob/effigo/internal/plugins/image"
	"github.com/ternarybob/effigo/internal/plugins/training"
	"github.com/ternarybob/effigo/internal/services/events"
	"github.com/ternarybob/effigo/internal/storage"
)

type executorFixture struct {
	executor *Executor
	config   *common.Config
	storage  interfaces.StorageManager
	bus      interfaces.ProgressBus
	trainer  *training.MockPlugin
	imager   *image.MockPlugin
}

func newFixture(t *testing.T) *executorFixture {
	t.Helper()
	root := t.TempDir()
	cfg := &common.Config{
		Mode:       "fast-test",
		VolumeRoot: root,
		Storage: common.StorageConfig{
			Type:   "badger",
			Badger: common.BadgerConfig{Path: filepath.Join(root, "db")},
		},
	}

	logger := arbor.NewLogger()
	store, err := storage.NewStorageManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(logger)
	t.Cleanup(func() { bus.Close() })

	trainer := training.NewMockPlugin(logger, cfg.ArtifactsDir())
	trainer.StepDelay = time.Millisecond
	imager := image.NewMockPlugin(logger)
	imager.StepDelay = time.Millisecond

	return &executorFixture{
		executor: NewExecutor(logger, cfg, store, bus, trainer, imager),
		config:   cfg,
		storage:  store,
		bus:      bus,
		trainer:  trainer,
		imager:   imager,
	}
}

func (f *executorFixture) seedCharacter(t *testing.T, id string, imageCount int) *models.Character {
	t.Helper()
	ctx := context.Background()

	char := models.NewCharacter(id, models.CreateCharacterRequest{
		Name:        "Test Character",
		TriggerWord: "sks person",
	})
	char.ImageCount = imageCount
	require.NoError(t, f.storage.CharacterStorage().SaveCharacter(ctx, char))

	dir := filepath.Join(f.config.CharacterUploadsDir(), id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < imageCount; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
		require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o644))
	}
	return char
}

func (f *executorFixture) seedTrainingJob(t *testing.T, id, characterID string, steps int) *models.Job {
	t.Helper()
	config := json.RawMessage(fmt.Sprintf(`{"method":"lora","steps":%d}`, steps))
	job := models.NewTrainingJob(id, characterID, config, id)
	require.NoError(t, f.storage.JobStorage().SaveJob(context.Background(), job))
	return job
}

func (f *executorFixture) seedGenerationJob(t *testing.T, id string, config models.GenerationConfig) *models.Job {
	t.Helper()
	raw, err := config.ToJSON()
	require.NoError(t, err)
	job := models.NewGenerationJob(id, raw, id)
	require.NoError(t, f.storage.JobStorage().SaveJob(context.Background(), job))
	return job
}

func TestExecuteTraining_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-exec0001", 3)
	job := f.seedTrainingJob(t, "train-exec0001aaaa", char.ID, 40)

	require.NoError(t, f.executor.ExecuteTraining(ctx, job, char))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, 40, got.CurrentStep)
	assert.Equal(t, 40, got.TotalSteps)
	assert.Equal(t, "Training completed successfully", got.Message)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Metrics.FinalLoss)
	assert.InDelta(t, 0.48, *got.Metrics.FinalLoss, 0.02)

	// First version for this character
	wantModel := filepath.Join(f.config.LorasDir(), char.ID, "v1.safetensors")
	assert.Equal(t, wantModel, got.OutputPath)
	_, statErr := os.Stat(wantModel)
	assert.NoError(t, statErr, "model file should exist")

	// Sidecar next to the model
	sidecarPath := filepath.Join(f.config.LorasDir(), char.ID, loras.SidecarFilename)
	data, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	var sidecar models.TrainingSidecar
	require.NoError(t, json.Unmarshal(data, &sidecar))
	assert.Equal(t, job.ID, sidecar.JobID)
	assert.Equal(t, char.ID, sidecar.CharacterID)
	assert.Equal(t, "sks person", sidecar.TriggerWord)
	assert.Equal(t, wantModel, sidecar.OutputPath)
	assert.Equal(t, 40, sidecar.TotalSteps)

	// Character now points at the trained model
	gotChar, err := f.storage.CharacterStorage().GetCharacter(ctx, char.ID)
	require.NoError(t, err)
	assert.Equal(t, wantModel, gotChar.LoraPath)
	assert.NotNil(t, gotChar.LoraTrainedAt)
}

func TestExecuteTraining_EventHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-exec0002", 2)
	job := f.seedTrainingJob(t, "train-exec0002bbbb", char.ID, 40)

	require.NoError(t, f.executor.ExecuteTraining(ctx, job, char))

	history, err := f.bus.History(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	first := history[0]
	assert.Equal(t, models.JobStatusRunning, first.Status)
	assert.Equal(t, models.StageInitializing, first.Stage)
	assert.Equal(t, "Training started", first.Message)
	assert.Equal(t, 40, first.TotalSteps)

	last := history[len(history)-1]
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, "Training completed successfully", last.Message)
	assert.Equal(t, 100.0, last.Progress)

	// Mock writes a sample every quarter of the run; each one bypasses the
	// progress throttle and carries a servable preview URL.
	sampleEvents := 0
	for _, ev := range history {
		if ev.SamplePath == "" {
			continue
		}
		sampleEvents++
		assert.True(t, strings.HasPrefix(ev.PreviewURL, "/api/jobs/"+job.ID+"/artifacts/samples/"),
			"preview URL %q should point at the artifacts endpoint", ev.PreviewURL)
		_, statErr := os.Stat(ev.SamplePath)
		assert.NoError(t, statErr, "sample file should exist")
	}
	assert.Equal(t, 4, sampleEvents)
}

func TestExecuteTraining_FailsWithoutImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-exec0003", 0)
	job := f.seedTrainingJob(t, "train-exec0003cccc", char.ID, 40)

	err := f.executor.ExecuteTraining(ctx, job, char)
	require.Error(t, err)

	got, gerr := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.StageFailed, got.Stage)
	assert.Contains(t, got.ErrorMessage, "No training images found")
	assert.True(t, strings.HasPrefix(got.Message, "Training failed: "))
	require.NotNil(t, got.CompletedAt)

	history, herr := f.bus.History(ctx, job.ID)
	require.NoError(t, herr)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, models.JobStatusFailed, last.Status)
	assert.Contains(t, last.Error, "No training images found")
}

func TestExecuteTraining_RejectsUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-exec0004", 2)
	config := json.RawMessage(`{"method":"dreambooth","steps":100}`)
	job := models.NewTrainingJob("train-exec0004dddd", char.ID, config, "train-exec0004dddd")
	require.NoError(t, f.storage.JobStorage().SaveJob(ctx, job))

	err := f.executor.ExecuteTraining(ctx, job, char)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationRejected))

	got, gerr := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "not supported")
}

func TestExecuteTraining_CancelStopsRunWithoutTerminalWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-exec0005", 2)
	job := f.seedTrainingJob(t, "train-exec0005eeee", char.ID, 400)
	f.trainer.StepDelay = 2 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- f.executor.ExecuteTraining(ctx, job, char)
	}()

	// Wait for the run to be marked running, give the plugin a beat to
	// register, then cancel.
	require.Eventually(t, func() bool {
		got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, f.executor.Cancel(job.ID))

	select {
	case err := <-done:
		require.NoError(t, err, "cancelled run should return nil")
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteTraining did not return after cancel")
	}

	// The record flip to cancelled belongs to the cancel endpoint; the
	// executor must not race it with its own terminal write.
	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	history, herr := f.bus.History(ctx, job.ID)
	require.NoError(t, herr)
	for _, ev := range history {
		assert.False(t, ev.Status.IsTerminal(), "no terminal event expected from the executor, got %s", ev.Status)
	}
}

func TestExecuteGeneration_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	config := models.GenerationConfig{Prompt: "portrait photo", Steps: 4}
	job := f.seedGenerationJob(t, "gen-exec0001aaaa", config)

	require.NoError(t, f.executor.ExecuteGeneration(ctx, job, 2))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, "Generated 2 image(s)", got.Message)
	require.Len(t, got.OutputPaths, 2)
	for _, p := range got.OutputPaths {
		assert.True(t, strings.HasPrefix(p, filepath.Join(f.config.OutputsDir(), job.ID)),
			"output %q should live under the job's output dir", p)
		_, statErr := os.Stat(p)
		assert.NoError(t, statErr)
	}
	require.NotNil(t, got.CompletedAt)

	history, herr := f.bus.History(ctx, job.ID)
	require.NoError(t, herr)
	require.NotEmpty(t, history)
	assert.Equal(t, "Generation started", history[0].Message)
	assert.Equal(t, "Generated 2 image(s)", history[len(history)-1].Message)
}

func TestExecuteGeneration_UsesLatestLoraVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two trained versions on disk; generation must pick v2
	loraDir := filepath.Join(f.config.LorasDir(), "char-exec0006")
	require.NoError(t, os.MkdirAll(loraDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(loraDir, "v1.safetensors"), []byte("m1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(loraDir, "v2.safetensors"), []byte("m2"), 0o644))

	config := models.GenerationConfig{Prompt: "portrait photo", Steps: 2, LoraID: "char-exec0006"}
	job := f.seedGenerationJob(t, "gen-exec0002bbbb", config)

	require.NoError(t, f.executor.ExecuteGeneration(ctx, job, 1))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestExecuteGeneration_FailsWhenBackendUnhealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.executor.imager = &unhealthyImager{MockPlugin: f.imager}

	config := models.GenerationConfig{Prompt: "portrait photo", Steps: 4}
	job := f.seedGenerationJob(t, "gen-exec0003cccc", config)

	err := f.executor.ExecuteGeneration(ctx, job, 1)
	require.Error(t, err)

	got, gerr := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "not reachable")
	assert.True(t, strings.HasPrefix(got.Message, "Generation failed: "))

	history, herr := f.bus.History(ctx, job.ID)
	require.NoError(t, herr)
	last := history[len(history)-1]
	assert.Equal(t, models.JobStatusFailed, last.Status)
	assert.Contains(t, last.Error, "not reachable")
}

func TestExecuteGeneration_CancelStopsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.imager.StepDelay = 5 * time.Millisecond
	config := models.GenerationConfig{Prompt: "portrait photo", Steps: 100}
	job := f.seedGenerationJob(t, "gen-exec0004dddd", config)

	done := make(chan error, 1)
	go func() {
		done <- f.executor.ExecuteGeneration(ctx, job, 2)
	}()

	require.Eventually(t, func() bool {
		got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, f.executor.Cancel(job.ID))

	select {
	case err := <-done:
		require.NoError(t, err, "cancelled run should return nil")
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteGeneration did not return after cancel")
	}

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestExecuteTraining_SecondRunBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-exec0007", 2)

	job1 := f.seedTrainingJob(t, "train-exec0007aaaa", char.ID, 20)
	require.NoError(t, f.executor.ExecuteTraining(ctx, job1, char))

	job2 := f.seedTrainingJob(t, "train-exec0007bbbb", char.ID, 20)
	require.NoError(t, f.executor.ExecuteTraining(ctx, job2, char))

	got, err := f.storage.JobStorage().GetJob(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.config.LorasDir(), char.ID, "v2.safetensors"), got.OutputPath)

	versions, verr := loras.Versions(filepath.Join(f.config.LorasDir(), char.ID))
	require.NoError(t, verr)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Number)
	assert.Equal(t, 2, versions[1].Number)
}

// unhealthyImager wraps the mock with a failing health check
type unhealthyImager struct {
	*image.MockPlugin
}

func (u *unhealthyImager) CheckHealth(ctx context.Context) error {
	return models.E(models.KindPluginUnavailable, "ComfyUI server not reachable at http://127.0.0.1:8188")
}
