package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

// blockMs of 0 keeps every read non-blocking so tests stay deterministic.

func newTestQueue(t *testing.T) interfaces.QueueService {
	t.Helper()
	mr := miniredis.RunT(t)

	svc, err := NewService(arbor.NewLogger(), &common.QueueConfig{RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	if err := svc.EnsureGroups(context.Background()); err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestQueue_SubmitAndConsume(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := `{"character_id":"char-12345678","config":{"method":"lora","steps":500}}`
	msg := models.NewQueueMessage("train-abc123def456", models.JobTypeTraining,
		[]byte(payload), "req-aaa111bbb222")

	if err := q.Submit(ctx, interfaces.StreamTraining, msg); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := q.Consume(ctx, "worker-1", 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got == nil {
		t.Fatal("Consume returned nil, want message")
	}
	if got.Stream != interfaces.StreamTraining {
		t.Errorf("stream = %s", got.Stream)
	}
	if got.Message.ID != "train-abc123def456" || got.Message.Type != "training" {
		t.Errorf("envelope = %+v", got.Message)
	}
	if got.Message.CorrelationID != "req-aaa111bbb222" {
		t.Errorf("correlation_id = %q", got.Message.CorrelationID)
	}
	if got.Message.Payload != payload {
		t.Errorf("payload did not round-trip: %s", got.Message.Payload)
	}

	if err := q.Ack(ctx, got.Stream, got.MessageID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestQueue_ConsumeEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.Consume(context.Background(), "worker-1", 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil on empty queue", got)
	}
}

func TestQueue_TrainingConsumedBeforeGeneration(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	genMsg := models.NewQueueMessage("gen-000000000001", models.JobTypeGeneration, []byte(`{}`), "")
	if err := q.Submit(ctx, interfaces.StreamGeneration, genMsg); err != nil {
		t.Fatal(err)
	}
	trainMsg := models.NewQueueMessage("train-000000000001", models.JobTypeTraining, []byte(`{}`), "")
	if err := q.Submit(ctx, interfaces.StreamTraining, trainMsg); err != nil {
		t.Fatal(err)
	}

	first, err := q.Consume(ctx, "worker-1", 0)
	if err != nil || first == nil {
		t.Fatalf("first consume: %v %v", first, err)
	}
	if first.Message.ID != "train-000000000001" {
		t.Errorf("first = %s, want the training job", first.Message.ID)
	}

	second, err := q.Consume(ctx, "worker-1", 0)
	if err != nil || second == nil {
		t.Fatalf("second consume: %v %v", second, err)
	}
	if second.Message.ID != "gen-000000000001" {
		t.Errorf("second = %s, want the generation job", second.Message.ID)
	}
}

func TestQueue_MissingGroupSelfHeals(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := NewService(arbor.NewLogger(), &common.QueueConfig{RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()

	// Submit before any group exists, then consume without EnsureGroups.
	msg := models.NewQueueMessage("train-000000000002", models.JobTypeTraining, []byte(`{}`), "")
	if err := svc.Submit(ctx, interfaces.StreamTraining, msg); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Consume(ctx, "worker-1", 0)
	if err != nil {
		t.Fatalf("consume with missing group: %v", err)
	}
	if got != nil && got.Message.ID != "train-000000000002" {
		t.Errorf("unexpected message %+v", got.Message)
	}

	// The group was recreated at "0", so the earlier submission is
	// delivered on a following round even if the healing round was empty.
	if got == nil {
		got, err = svc.Consume(ctx, "worker-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.Message.ID != "train-000000000002" {
			t.Fatalf("message lost across group recreation: %+v", got)
		}
	}
}

func TestQueue_MalformedMessageDiscarded(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := NewService(arbor.NewLogger(), &common.QueueConfig{RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()
	if err := svc.EnsureGroups(ctx); err != nil {
		t.Fatal(err)
	}

	// An envelope with no job id cannot be processed or even failed.
	mr.XAdd(interfaces.StreamTraining, "*", []string{"garbage", "value"})

	got, err := svc.Consume(ctx, "worker-1", 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got != nil {
		t.Errorf("malformed message surfaced: %+v", got)
	}

	// It must not come back on the next round.
	got, err = svc.Consume(ctx, "worker-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("malformed message redelivered: %+v", got)
	}
}

func TestQueue_ProgressPublishAndRead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	jobID := "train-abc123def456"

	for step := 1; step <= 3; step++ {
		event := models.ProgressEvent{
			JobID:       jobID,
			Type:        models.ProgressEventProgress,
			Status:      models.JobStatusRunning,
			CurrentStep: step * 100,
			TotalSteps:  500,
			Progress:    float64(step) * 20,
		}
		if err := q.PublishProgress(ctx, jobID, event); err != nil {
			t.Fatalf("PublishProgress: %v", err)
		}
	}

	events, cursor, err := q.ReadProgress(ctx, jobID, "0", 0)
	if err != nil {
		t.Fatalf("ReadProgress: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].CurrentStep != 100 || events[2].CurrentStep != 300 {
		t.Errorf("order = %d .. %d", events[0].CurrentStep, events[2].CurrentStep)
	}
	if cursor == "0" || cursor == "" {
		t.Errorf("cursor not advanced: %q", cursor)
	}

	// Resume from the cursor: only new events appear.
	final := models.NewProgressEvent(jobID, models.JobStatusCompleted, models.StageCompleted, 100, "Training complete")
	if err := q.PublishProgress(ctx, jobID, final); err != nil {
		t.Fatal(err)
	}

	more, next, err := q.ReadProgress(ctx, jobID, cursor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(more) != 1 {
		t.Fatalf("resumed len = %d, want 1", len(more))
	}
	if more[0].Type != models.ProgressEventComplete {
		t.Errorf("resumed type = %s", more[0].Type)
	}
	if next == cursor {
		t.Error("cursor did not advance on resume")
	}

	// Empty read keeps the cursor unchanged.
	none, unchanged, err := q.ReadProgress(ctx, jobID, next, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 || unchanged != next {
		t.Errorf("empty read = %d events, cursor %q", len(none), unchanged)
	}
}
