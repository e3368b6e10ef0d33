package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/executor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
	"github.com/ternarybob/effigo/internal/plugins/image"
	"github.com/ternarybob/effigo/internal/plugins/training"
	queueredis "github.com/ternarybob/effigo/internal/queue/redis"
	"github.com/ternarybob/effigo/internal/services/events"
	"github.com/ternarybob/effigo/internal/storage"
)

type workerFixture struct {
	processor *Processor
	config    *common.Config
	storage   interfaces.StorageManager
	queue     interfaces.QueueService
	bus       interfaces.ProgressBus
	redis     *goredis.Client
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	root := t.TempDir()
	mr := miniredis.RunT(t)

	cfg := &common.Config{
		Mode:       "fast-test",
		VolumeRoot: root,
		Storage: common.StorageConfig{
			Type:   "badger",
			Badger: common.BadgerConfig{Path: filepath.Join(root, "db")},
		},
		Queue: common.QueueConfig{
			Enabled:      true,
			RedisURL:     "redis://" + mr.Addr(),
			ConsumerName: "worker-1",
			BlockMs:      100,
		},
	}

	logger := arbor.NewLogger()
	store, err := storage.NewStorageManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue, err := queueredis.NewService(logger, &cfg.Queue)
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })
	require.NoError(t, queue.EnsureGroups(context.Background()))

	bus := events.NewBus(logger)
	t.Cleanup(func() { bus.Close() })

	trainer := training.NewMockPlugin(logger, cfg.ArtifactsDir())
	trainer.StepDelay = time.Millisecond
	imager := image.NewMockPlugin(logger)
	imager.StepDelay = time.Millisecond

	exec := executor.NewExecutor(logger, cfg, store, bus, trainer, imager)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &workerFixture{
		processor: NewProcessor(logger, cfg, queue, store, bus, exec),
		config:    cfg,
		storage:   store,
		queue:     queue,
		bus:       bus,
		redis:     client,
	}
}

func (f *workerFixture) seedCharacter(t *testing.T, id string, imageCount int) *models.Character {
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

func (f *workerFixture) seedTrainingJob(t *testing.T, id, characterID string, steps int) *models.Job {
	t.Helper()
	config := json.RawMessage(fmt.Sprintf(`{"method":"lora","steps":%d}`, steps))
	job := models.NewTrainingJob(id, characterID, config, id)
	require.NoError(t, f.storage.JobStorage().SaveJob(context.Background(), job))
	return job
}

func (f *workerFixture) submitTraining(t *testing.T, job *models.Job) {
	t.Helper()
	payload, err := json.Marshal(models.TrainingJobPayload{
		CharacterID: job.CharacterID,
		Config:      job.Config,
	})
	require.NoError(t, err)
	msg := models.NewQueueMessage(job.ID, models.JobTypeTraining, payload, job.ID)
	require.NoError(t, f.queue.Submit(context.Background(), interfaces.StreamTraining, msg))
}

func (f *workerFixture) mustConsume(t *testing.T) *interfaces.ConsumedMessage {
	t.Helper()
	consumed, err := f.queue.Consume(context.Background(), "worker-1", 100)
	require.NoError(t, err)
	require.NotNil(t, consumed, "expected a queued message")
	return consumed
}

func (f *workerFixture) pendingCount(t *testing.T, stream string) int64 {
	t.Helper()
	pending, err := f.redis.XPending(context.Background(), stream, interfaces.ConsumerGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestProcessor_TrainingJobEndToEnd(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-work0001", 2)
	job := f.seedTrainingJob(t, "train-work0001aaaa", char.ID, 30)
	f.submitTraining(t, job)

	f.processor.processJob(f.mustConsume(t))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.Equal(t, 100.0, got.Progress)

	assert.Zero(t, f.pendingCount(t, interfaces.StreamTraining), "message should be acked")
}

func TestProcessor_GenerationJobHonorsCount(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	config := models.GenerationConfig{Prompt: "portrait photo", Steps: 4}
	raw, err := config.ToJSON()
	require.NoError(t, err)
	job := models.NewGenerationJob("gen-work0001aaaa", raw, "gen-work0001aaaa")
	require.NoError(t, f.storage.JobStorage().SaveJob(ctx, job))

	payload, err := json.Marshal(models.GenerationJobPayload{Config: raw, Count: 2})
	require.NoError(t, err)
	msg := models.NewQueueMessage(job.ID, models.JobTypeGeneration, payload, job.ID)
	require.NoError(t, f.queue.Submit(ctx, interfaces.StreamGeneration, msg))

	f.processor.processJob(f.mustConsume(t))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Len(t, got.OutputPaths, 2)
	assert.Zero(t, f.pendingCount(t, interfaces.StreamGeneration))
}

func TestProcessor_UnknownJobTypeFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-work0002", 2)
	job := f.seedTrainingJob(t, "train-work0002aaaa", char.ID, 30)

	msg := &models.QueueMessage{
		ID:        job.ID,
		Type:      "sculpting",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Payload:   "{}",
	}
	require.NoError(t, f.queue.Submit(ctx, interfaces.StreamTraining, msg))

	f.processor.processJob(f.mustConsume(t))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Unknown job type: sculpting", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	history, herr := f.bus.History(ctx, job.ID)
	require.NoError(t, herr)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.True(t, last.IsTerminal())
	assert.Equal(t, "Unknown job type: sculpting", last.Error)

	assert.Zero(t, f.pendingCount(t, interfaces.StreamTraining))
}

func TestProcessor_MissingCharacterFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := f.seedTrainingJob(t, "train-work0003aaaa", "char-ghost123", 30)
	f.submitTraining(t, job)

	f.processor.processJob(f.mustConsume(t))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.StageFailed, got.Stage)
	assert.Equal(t, "Character not found: char-ghost123", got.ErrorMessage)
}

func TestProcessor_MissingJobRecordIsDiscarded(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	msg := models.NewQueueMessage("train-noexist000000", models.JobTypeTraining, []byte(`{}`), "")
	require.NoError(t, f.queue.Submit(ctx, interfaces.StreamTraining, msg))

	f.processor.processJob(f.mustConsume(t))

	count, err := f.storage.JobStorage().CountJobs(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.pendingCount(t, interfaces.StreamTraining), "unprocessable message still acked")
}

func TestProcessor_SkipsRedeliveredTerminalJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-work0004", 2)
	job := f.seedTrainingJob(t, "train-work0004aaaa", char.ID, 30)
	require.NoError(t, f.storage.JobStorage().UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, map[string]interface{}{
		"progress": 100.0,
	}))

	f.submitTraining(t, job)
	f.processor.processJob(f.mustConsume(t))

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	// The skip writes nothing and publishes nothing.
	history, herr := f.bus.History(ctx, job.ID)
	require.NoError(t, herr)
	assert.Empty(t, history)
	assert.Zero(t, f.pendingCount(t, interfaces.StreamTraining))
}

func TestProcessor_StartStop(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	char := f.seedCharacter(t, "char-work0005", 2)
	job := f.seedTrainingJob(t, "train-work0005aaaa", char.ID, 20)

	f.processor.Start()
	f.submitTraining(t, job)

	require.Eventually(t, func() bool {
		got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
		return err == nil && got.Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Stop waits for the in-flight delivery, including its ack.
	f.processor.Stop()
	assert.Zero(t, f.pendingCount(t, interfaces.StreamTraining))
}
