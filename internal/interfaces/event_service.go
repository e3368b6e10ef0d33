package interfaces

import (
	"context"

	"github.com/ternarybob/effigo/internal/models"
)

// ProgressBus fans job progress events out to subscribers (SSE streams,
// the websocket hub) and keeps a bounded per-job history for late joiners.
//
// Two implementations exist: an in-memory bus for single-process mode and a
// stream-backed bus that rides the queue's per-job progress streams in
// multi-process mode. Exactly one is selected at startup; everything else
// depends on this interface only.
type ProgressBus interface {
	// Publish delivers an event to the job's subscribers and appends it to
	// history. The caller must have persisted the matching store update
	// first. Terminal events are always delivered, even to slow subscribers.
	Publish(ctx context.Context, event models.ProgressEvent) error

	// Subscribe registers for a job's events. The returned cancel func is
	// idempotent; the channel closes after a terminal event, cancellation,
	// or bus shutdown.
	Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressEvent, func(), error)

	// History returns the retained events for a job, oldest first
	// (at most the last 100).
	History(ctx context.Context, jobID string) ([]models.ProgressEvent, error)

	// SubscribeAll registers for events of every job (dashboard feed).
	SubscribeAll(ctx context.Context) (<-chan models.ProgressEvent, func(), error)

	Close() error
}
