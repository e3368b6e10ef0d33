package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// progressMaxLen caps each per-job progress stream. Old entries are trimmed
// approximately so XADD stays O(1); live consumers follow the bus instead.
const progressMaxLen = 100

// Service implements the QueueService interface on Redis Streams. Job
// submission XADDs an envelope; workers consume through a shared consumer
// group and ack after processing, so delivery is at-least-once.
type Service struct {
	client *goredis.Client
	logger arbor.ILogger
}

// NewService connects to the queue Redis and verifies connectivity
func NewService(logger arbor.ILogger, config *common.QueueConfig) (interfaces.QueueService, error) {
	opts, err := goredis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid queue redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to queue redis: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("Queue connection established")

	return &Service{
		client: client,
		logger: logger,
	}, nil
}

// EnsureGroups creates the consumer group on both job streams. MKSTREAM
// creates empty streams on first boot; existing groups are left alone.
func (s *Service) EnsureGroups(ctx context.Context) error {
	for _, stream := range []string{interfaces.StreamTraining, interfaces.StreamGeneration} {
		err := s.client.XGroupCreateMkStream(ctx, stream, interfaces.ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

// Submit XADDs a job envelope to the given stream
func (s *Service) Submit(ctx context.Context, stream string, msg *models.QueueMessage) error {
	if msg == nil {
		return fmt.Errorf("queue message is nil")
	}

	id, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: msg.ToValues(),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to submit job %s: %w", msg.ID, err)
	}

	s.logger.Debug().
		Str("job_id", msg.ID).
		Str("stream", stream).
		Str("message_id", id).
		Msg("Job submitted to queue")
	return nil
}

// Consume reads at most one message, trying the training stream first and
// then generation, each with half of blockMs. Returns nil when both rounds
// time out empty.
func (s *Service) Consume(ctx context.Context, consumerName string, blockMs int) (*interfaces.ConsumedMessage, error) {
	half := blockMs / 2
	for _, stream := range []string{interfaces.StreamTraining, interfaces.StreamGeneration} {
		msg, err := s.readOne(ctx, stream, consumerName, half)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
	return nil, nil
}

func (s *Service) readOne(ctx context.Context, stream, consumerName string, blockMs int) (*interfaces.ConsumedMessage, error) {
	// Negative Block skips the BLOCK option entirely; zero would block forever.
	block := time.Duration(-1)
	if blockMs > 0 {
		block = time.Duration(blockMs) * time.Millisecond
	}

	streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    interfaces.ConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			// The group vanished (flushed dev instance). Recreate it and
			// report an empty round so the worker loop carries on.
			s.logger.Warn().Str("stream", stream).Msg("Consumer group missing, recreating")
			if cerr := s.EnsureGroups(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from %s: %w", stream, err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	raw := streams[0].Messages[0]

	msg, err := models.QueueMessageFromValues(raw.Values)
	if err != nil {
		// A malformed envelope can never process; ack it away so it does
		// not redeliver forever.
		s.logger.Warn().Err(err).
			Str("stream", stream).
			Str("message_id", raw.ID).
			Msg("Discarding malformed queue message")
		if ackErr := s.Ack(ctx, stream, raw.ID); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}

	return &interfaces.ConsumedMessage{
		Message:   msg,
		Stream:    stream,
		MessageID: raw.ID,
	}, nil
}

// Ack acknowledges a processed message
func (s *Service) Ack(ctx context.Context, stream, messageID string) error {
	if err := s.client.XAck(ctx, stream, interfaces.ConsumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", messageID, stream, err)
	}
	return nil
}

// PublishProgress XADDs an event to the job's capped progress stream
func (s *Service) PublishProgress(ctx context.Context, jobID string, event models.ProgressEvent) error {
	payload, err := event.ToJSON()
	if err != nil {
		return err
	}

	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: interfaces.ProgressStream(jobID),
		MaxLen: progressMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish progress for %s: %w", jobID, err)
	}
	return nil
}

// ReadProgress XREADs the job's progress stream from the given cursor.
// Returns the decoded events and the cursor to resume from; an empty read
// returns the cursor unchanged.
func (s *Service) ReadProgress(ctx context.Context, jobID, fromID string, blockMs int) ([]models.ProgressEvent, string, error) {
	if fromID == "" {
		fromID = "0"
	}

	block := time.Duration(-1)
	if blockMs > 0 {
		block = time.Duration(blockMs) * time.Millisecond
	}

	streams, err := s.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{interfaces.ProgressStream(jobID), fromID},
		Count:   progressMaxLen,
		Block:   block,
	}).Result()
	if err == goredis.Nil {
		return nil, fromID, nil
	}
	if err != nil {
		return nil, fromID, fmt.Errorf("failed to read progress for %s: %w", jobID, err)
	}
	if len(streams) == 0 {
		return nil, fromID, nil
	}

	events := make([]models.ProgressEvent, 0, len(streams[0].Messages))
	nextID := fromID
	for _, raw := range streams[0].Messages {
		nextID = raw.ID
		payload, ok := raw.Values["payload"].(string)
		if !ok {
			continue
		}
		event, err := models.ProgressEventFromJSON([]byte(payload))
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Skipping unreadable progress event")
			continue
		}
		events = append(events, *event)
	}
	return events, nextID, nil
}

// Ping checks queue connectivity for readiness probes
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for services that share it,
// such as the stream-backed progress bus.
func (s *Service) Client() *goredis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
