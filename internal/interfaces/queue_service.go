package interfaces

import (
	"context"

	"github.com/ternarybob/effigo/internal/models"
)

// Stream keys for the two job queues. Both carry one consumer group.
const (
	StreamTraining   = "effigo:jobs:training"
	StreamGeneration = "effigo:jobs:generation"

	// ConsumerGroup is the single group shared by all workers
	ConsumerGroup = "workers"

	// ProgressStreamPrefix + jobID is the capped per-job progress stream
	ProgressStreamPrefix = "effigo:progress:"
)

// StreamForJobType maps a job type to its queue stream
func StreamForJobType(jobType models.JobType) string {
	if jobType == models.JobTypeGeneration {
		return StreamGeneration
	}
	return StreamTraining
}

// ProgressStream returns the per-job progress stream key
func ProgressStream(jobID string) string {
	return ProgressStreamPrefix + jobID
}

// ConsumedMessage is one delivery from a job stream. Stream and MessageID
// are needed to ack after processing.
type ConsumedMessage struct {
	Message   *models.QueueMessage
	Stream    string
	MessageID string
}

// QueueService manages the Redis Streams job queue and per-job progress
// streams. Delivery is at-least-once: consumers ack only after processing,
// so a crash before ack leads to redelivery.
type QueueService interface {
	// EnsureGroups creates the consumer group on both job streams,
	// tolerating groups that already exist.
	EnsureGroups(ctx context.Context) error

	// Submit XADDs a job envelope to the given stream.
	Submit(ctx context.Context, stream string, msg *models.QueueMessage) error

	// Consume reads one message, trying the training stream first, then
	// generation, each with half of blockMs. Returns nil on timeout.
	// A missing consumer group is recreated and reported as a timeout.
	Consume(ctx context.Context, consumerName string, blockMs int) (*ConsumedMessage, error)

	// Ack acknowledges a processed message.
	Ack(ctx context.Context, stream, messageID string) error

	// PublishProgress XADDs an event to the job's capped progress stream.
	PublishProgress(ctx context.Context, jobID string, event models.ProgressEvent) error

	// ReadProgress XREADs the job's progress stream from the given cursor
	// ("0" for the full history). Returns the events and the next cursor.
	ReadProgress(ctx context.Context, jobID, fromID string, blockMs int) ([]models.ProgressEvent, string, error)

	// Ping checks queue connectivity for readiness probes.
	Ping(ctx context.Context) error

	Close() error
}
