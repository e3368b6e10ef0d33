// Package worker consumes queued jobs and drives them through the executor.
// It runs only in queue mode; single-process deployments call the executor
// from the API handlers directly.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// Processor is one queue consumer. Delivery is at-least-once: messages are
// acked after processing, whether the job succeeded or failed, so a crash
// mid-run leads to redelivery and a terminal-state skip.
type Processor struct {
	logger   arbor.ILogger
	queue    interfaces.QueueService
	storage  interfaces.StorageManager
	bus      interfaces.ProgressBus
	executor interfaces.JobExecutor

	consumerName string
	blockMs      int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewProcessor creates a queue consumer. consumerName identifies this worker
// inside the consumer group.
func NewProcessor(logger arbor.ILogger, config *common.Config, queue interfaces.QueueService, storage interfaces.StorageManager, bus interfaces.ProgressBus, executor interfaces.JobExecutor) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		logger:       logger,
		queue:        queue,
		storage:      storage,
		bus:          bus,
		executor:     executor,
		consumerName: config.Queue.ConsumerName,
		blockMs:      config.Queue.BlockMs,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start spawns the consume loop
func (p *Processor) Start() {
	p.logger.Info().
		Str("consumer", p.consumerName).
		Msg("Worker started")

	p.wg.Add(1)
	go p.consumeLoop()
}

// Stop cancels the loop and waits for any in-flight job to finish
func (p *Processor) Stop() {
	p.logger.Info().Msg("Stopping worker...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker stopped")
}

func (p *Processor) consumeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			p.consumeOne()
		}
	}
}

// consumeOne performs a single blocking consume round. Consume errors back
// off for a second so a dead Redis does not spin the loop.
func (p *Processor) consumeOne() {
	consumed, err := p.queue.Consume(p.ctx, p.consumerName, p.blockMs)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Warn().Err(err).Msg("Queue consume failed")
		select {
		case <-p.ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}
	if consumed == nil {
		return
	}
	p.processJob(consumed)
}

// processJob runs one delivered job end to end. The message is acked on every
// exit path, including panics; the executor owns terminal record writes for
// runs it started, the worker owns them for jobs it could not hand off.
func (p *Processor) processJob(consumed *interfaces.ConsumedMessage) {
	msg := consumed.Message

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = common.JobCorrelationID(msg.ID)
	}
	ctx := common.WithCorrelationID(p.ctx, correlationID)
	log := p.logger.WithCorrelationId(correlationID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("job_id", msg.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED while processing job")
			p.failJob(ctx, log, msg.ID, models.JobType(msg.Type), fmt.Sprintf("Internal error: %v", r))
		}
		p.ack(ctx, log, consumed)
	}()

	log.Info().
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Msg("Processing job")

	job, err := p.storage.JobStorage().GetJob(ctx, msg.ID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", msg.ID).Msg("Queued job has no record, discarding")
		return
	}
	if job.Status.IsTerminal() {
		log.Warn().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Skipping redelivered job already in terminal state")
		return
	}

	switch models.JobType(msg.Type) {
	case models.JobTypeTraining:
		p.runTraining(ctx, log, job)
	case models.JobTypeGeneration:
		p.runGeneration(ctx, log, job, msg)
	default:
		reason := fmt.Sprintf("Unknown job type: %s", msg.Type)
		log.Error().Str("job_id", job.ID).Str("job_type", msg.Type).Msg(reason)
		p.failJob(ctx, log, job.ID, job.Type, reason)
	}
}

func (p *Processor) runTraining(ctx context.Context, log arbor.ILogger, job *models.Job) {
	character, err := p.storage.CharacterStorage().GetCharacter(ctx, job.CharacterID)
	if err != nil {
		reason := fmt.Sprintf("Character not found: %s", job.CharacterID)
		log.Error().Err(err).Str("job_id", job.ID).Msg(reason)
		p.failJob(ctx, log, job.ID, job.Type, reason)
		return
	}

	if err := p.executor.ExecuteTraining(ctx, job, character); err != nil {
		// The executor has already recorded the failure.
		log.Error().Err(err).Str("job_id", job.ID).Msg("Training job failed")
		return
	}
	log.Info().Str("job_id", job.ID).Msg("Training job finished")
}

func (p *Processor) runGeneration(ctx context.Context, log arbor.ILogger, job *models.Job, msg *models.QueueMessage) {
	count := 1
	if msg.Payload != "" {
		var payload models.GenerationJobPayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Unreadable generation payload, defaulting to one image")
		} else if payload.Count > 0 {
			count = payload.Count
		}
	}

	if err := p.executor.ExecuteGeneration(ctx, job, count); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Generation job failed")
		return
	}
	log.Info().Str("job_id", job.ID).Msg("Generation job finished")
}

// failJob records a worker-side failure, one the executor never saw
func (p *Processor) failJob(ctx context.Context, log arbor.ILogger, jobID string, jobType models.JobType, reason string) {
	fields := map[string]interface{}{
		"error_message": reason,
		"completed_at":  time.Now().UTC(),
		"message":       reason,
	}
	stage := models.TrainingStage("")
	if jobType == models.JobTypeTraining {
		stage = models.StageFailed
		fields["stage"] = stage
	}
	if err := p.storage.JobStorage().UpdateJobStatus(ctx, jobID, models.JobStatusFailed, fields); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist job failure")
		return
	}

	event := models.NewProgressEvent(jobID, models.JobStatusFailed, stage, 0, reason)
	event.Error = reason
	if err := p.bus.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish failure event")
	}
}

func (p *Processor) ack(ctx context.Context, log arbor.ILogger, consumed *interfaces.ConsumedMessage) {
	// Ack with a fresh context so shutdown cannot strand the message as
	// pending against this consumer.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.queue.Ack(ackCtx, consumed.Stream, consumed.MessageID); err != nil {
		log.Error().Err(err).
			Str("job_id", consumed.Message.ID).
			Str("message_id", consumed.MessageID).
			Msg("Failed to ack message")
		return
	}
	log.Debug().
		Str("event", models.EventJobAcked).
		Str("job_id", consumed.Message.ID).
		Str("message_id", consumed.MessageID).
		Msg("Job acked")
}
