package models

import "testing"

func TestNewProgressEvent_TypeFromStatus(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   ProgressEventType
	}{
		{JobStatusQueued, ProgressEventProgress},
		{JobStatusRunning, ProgressEventProgress},
		{JobStatusCompleted, ProgressEventComplete},
		{JobStatusFailed, ProgressEventComplete},
		{JobStatusCancelled, ProgressEventComplete},
	}

	for _, tt := range tests {
		event := NewProgressEvent("train-abc123def456", tt.status, StageTraining, 50, "half way")
		if event.Type != tt.want {
			t.Errorf("status %s: type = %s, want %s", tt.status, event.Type, tt.want)
		}
	}
}

func TestProgressEvent_SSEEventName(t *testing.T) {
	progress := NewProgressEvent("train-a", JobStatusRunning, StageTraining, 10, "")
	if name := progress.SSEEventName(); name != "progress" {
		t.Errorf("running event name = %q, want progress", name)
	}

	complete := NewProgressEvent("train-a", JobStatusFailed, StageFailed, 10, "boom")
	if name := complete.SSEEventName(); name != "complete" {
		t.Errorf("failed event name = %q, want complete", name)
	}
	if !complete.IsTerminal() {
		t.Error("complete event should be terminal")
	}

	keepalive := NewKeepaliveEvent("train-a")
	if name := keepalive.SSEEventName(); name != "keepalive" {
		t.Errorf("keepalive event name = %q, want keepalive", name)
	}
	if keepalive.IsTerminal() {
		t.Error("keepalive must not be terminal")
	}
}

func TestProgressEvent_JSONOmitsEmptyMetrics(t *testing.T) {
	event := NewKeepaliveEvent("gen-abc123def456")
	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	restored, err := ProgressEventFromJSON(data)
	if err != nil {
		t.Fatalf("ProgressEventFromJSON: %v", err)
	}
	if restored.JobID != "gen-abc123def456" || restored.Type != ProgressEventKeepalive {
		t.Errorf("round trip lost fields: %+v", restored)
	}
	if restored.Loss != nil || restored.LearningRate != nil {
		t.Error("unset metrics should stay nil")
	}
}
