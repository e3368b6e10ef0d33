package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

const (
	// firehoseChannel carries every progress event across processes for
	// SubscribeAll consumers (the websocket hub)
	firehoseChannel = "effigo:events:all"

	// streamPollBlockMs is the XREAD blocking budget per poll round
	streamPollBlockMs = 5000

	// streamRetryDelay spaces retries after a failed stream read
	streamRetryDelay = time.Second
)

// StreamBus is the ProgressBus used when api and workers are separate
// processes. Publishes ride the queue's capped per-job progress streams, so
// an api-process subscriber sees events produced by any worker; the firehose
// crosses processes over a pub/sub channel.
type StreamBus struct {
	queue  interfaces.QueueService
	client *goredis.Client
	logger arbor.ILogger

	// pollBlockMs is the XREAD blocking budget per round; zero falls back
	// to short non-blocking polls
	pollBlockMs int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewStreamBus creates a bus backed by the queue's progress streams. The
// Redis client is shared with the queue service and used only for pub/sub.
func NewStreamBus(logger arbor.ILogger, queue interfaces.QueueService, client *goredis.Client) interfaces.ProgressBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamBus{
		queue:       queue,
		client:      client,
		logger:      logger,
		pollBlockMs: streamPollBlockMs,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish writes the event to the job's progress stream and mirrors it onto
// the firehose channel. Stream persistence happens first so History and late
// subscribers never miss an event the firehose already saw.
func (b *StreamBus) Publish(ctx context.Context, event models.ProgressEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("progress event missing job id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := b.queue.PublishProgress(ctx, event.JobID, event); err != nil {
		return err
	}

	payload, err := event.ToJSON()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, firehoseChannel, payload).Err(); err != nil {
		// Stream write already succeeded; per-job subscribers are unaffected.
		b.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("Firehose publish failed")
	}
	return nil
}

// Subscribe tails the job's progress stream from the beginning, so a
// subscriber attaching mid-run receives the retained history before live
// events. The channel closes after a terminal event, cancellation, or
// bus shutdown.
func (b *StreamBus) Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressEvent, func(), error) {
	if jobID == "" {
		return nil, nil, fmt.Errorf("job id is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("progress bus is closed")
	}
	b.mu.Unlock()

	subCtx, subCancel := mergeContexts(b.ctx, ctx)
	out := make(chan models.ProgressEvent, 1)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		b.tailJob(subCtx, jobID, out)
	}()

	var once sync.Once
	cancel := func() { once.Do(subCancel) }
	return out, cancel, nil
}

// tailJob polls the job's progress stream and forwards events until a
// terminal event or context cancellation
func (b *StreamBus) tailJob(ctx context.Context, jobID string, out chan<- models.ProgressEvent) {
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		events, next, err := b.queue.ReadProgress(ctx, jobID, cursor, b.pollBlockMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Str("job_id", jobID).Msg("Progress stream read failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamRetryDelay):
			}
			continue
		}
		cursor = next

		for _, event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.IsTerminal() {
				return
			}
		}

		if len(events) == 0 && b.pollBlockMs <= 0 {
			// Non-blocking polls need pacing or this loop would spin
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// SubscribeAll attaches to the cross-process firehose channel
func (b *StreamBus) SubscribeAll(ctx context.Context) (<-chan models.ProgressEvent, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("progress bus is closed")
	}
	b.mu.Unlock()

	subCtx, subCancel := mergeContexts(b.ctx, ctx)
	pubsub := b.client.Subscribe(subCtx, firehoseChannel)
	out := make(chan models.ProgressEvent, 1)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := models.ProgressEventFromJSON([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Msg("Skipping unreadable firehose event")
					continue
				}
				select {
				case out <- *event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(subCancel) }
	return out, cancel, nil
}

// History reads the retained events from the job's capped stream
func (b *StreamBus) History(ctx context.Context, jobID string) ([]models.ProgressEvent, error) {
	events, _, err := b.queue.ReadProgress(ctx, jobID, "0", 0)
	return events, err
}

// Close terminates all subscriptions. The shared Redis client is owned by
// the queue service and stays open.
func (b *StreamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info().Msg("Stream-backed progress bus closed")
	return nil
}

// mergeContexts cancels the derived context when either parent does
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	if b == nil || b.Done() == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
