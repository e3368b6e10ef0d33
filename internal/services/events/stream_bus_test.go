package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
	"github.com/ternarybob/effigo/internal/models"
	queueredis "github.com/ternarybob/effigo/internal/queue/redis"
)

// newStreamBus wires a StreamBus against miniredis with non-blocking polls
// so reads never stall the test run.
func newStreamBus(t *testing.T) *StreamBus {
	t.Helper()
	mr := miniredis.RunT(t)

	queue, err := queueredis.NewService(arbor.NewLogger(), &common.QueueConfig{RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queue.Close() })

	opts, err := goredis.ParseURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	bus := &StreamBus{
		queue:       queue,
		client:      client,
		logger:      arbor.NewLogger(),
		pollBlockMs: 0,
		ctx:         ctx,
		cancel:      cancel,
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestStreamBus_SubscribeReplaysHistoryThenLive(t *testing.T) {
	bus := newStreamBus(t)
	ctx := context.Background()
	jobID := "train-abc123def456"

	// Events published before anyone subscribes land in the stream.
	for step := 1; step <= 2; step++ {
		event := models.NewProgressEvent(jobID, models.JobStatusRunning,
			models.StageTraining, float64(step*10), "")
		event.CurrentStep = step
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	ch, cancel, err := bus.Subscribe(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	first, ok := recvEvent(t, ch)
	if !ok || first.CurrentStep != 1 {
		t.Fatalf("first = %+v ok=%v", first, ok)
	}
	second, ok := recvEvent(t, ch)
	if !ok || second.CurrentStep != 2 {
		t.Fatalf("second = %+v ok=%v", second, ok)
	}

	// A live event published after attach flows through the same channel.
	final := models.NewProgressEvent(jobID, models.JobStatusCompleted, models.StageCompleted, 100, "Done")
	if err := bus.Publish(ctx, final); err != nil {
		t.Fatal(err)
	}
	got, ok := recvEvent(t, ch)
	if !ok || got.Type != models.ProgressEventComplete {
		t.Fatalf("terminal = %+v ok=%v", got, ok)
	}

	if _, ok := recvEvent(t, ch); ok {
		t.Error("channel open after terminal event")
	}
}

func TestStreamBus_HistoryOldestFirst(t *testing.T) {
	bus := newStreamBus(t)
	ctx := context.Background()
	jobID := "gen-000000000009"

	for step := 1; step <= 3; step++ {
		event := models.NewProgressEvent(jobID, models.JobStatusRunning, "", float64(step), "")
		event.CurrentStep = step
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	history, err := bus.History(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if history[0].CurrentStep != 1 || history[2].CurrentStep != 3 {
		t.Errorf("order = %d .. %d", history[0].CurrentStep, history[2].CurrentStep)
	}
}

func TestStreamBus_FirehoseCrossesJobs(t *testing.T) {
	bus := newStreamBus(t)
	ctx := context.Background()

	feed, cancel, err := bus.SubscribeAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// Give the pub/sub subscription a moment to establish before publishing.
	time.Sleep(100 * time.Millisecond)

	if err := bus.Publish(ctx, models.NewProgressEvent("train-000000000001",
		models.JobStatusRunning, models.StageTraining, 10, "")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, models.NewProgressEvent("gen-000000000002",
		models.JobStatusCompleted, "", 100, "")); err != nil {
		t.Fatal(err)
	}

	first, ok := recvEvent(t, feed)
	if !ok || first.JobID != "train-000000000001" {
		t.Fatalf("first = %+v ok=%v", first, ok)
	}
	second, ok := recvEvent(t, feed)
	if !ok || second.JobID != "gen-000000000002" {
		t.Fatalf("second = %+v ok=%v", second, ok)
	}
}
