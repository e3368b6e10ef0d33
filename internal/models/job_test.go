package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusPending, false},
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestNewTrainingJob_Defaults(t *testing.T) {
	config := json.RawMessage(`{"method":"lora","steps":1000}`)
	job := NewTrainingJob("train-abc123def456", "char-12345678", config, "req-aaa111bbb222")

	if job.Status != JobStatusQueued {
		t.Errorf("new job status = %s, want queued", job.Status)
	}
	if job.Type != JobTypeTraining {
		t.Errorf("new job type = %s, want training", job.Type)
	}
	if job.Stage != StageQueued {
		t.Errorf("new job stage = %s, want queued", job.Stage)
	}
	if job.BaseModel != DefaultBaseModel {
		t.Errorf("base model = %s, want %s", job.BaseModel, DefaultBaseModel)
	}
	if job.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
	if job.StartedAt != nil || job.CompletedAt != nil {
		t.Error("started_at/completed_at should be nil before execution")
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := NewTrainingJob("train-abc123def456", "char-12345678", json.RawMessage(`{}`), "")

	job.MarkRunning(1000)
	if job.Status != JobStatusRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if job.TotalSteps != 1000 {
		t.Errorf("total_steps = %d, want 1000", job.TotalSteps)
	}
	if job.StartedAt == nil {
		t.Fatal("started_at not set by MarkRunning")
	}

	job.MarkCompleted("/data/loras/char-12345678/v1.safetensors", nil)
	if job.Status != JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %v, want 100", job.Progress)
	}
	if job.CompletedAt == nil {
		t.Fatal("completed_at not set by MarkCompleted")
	}
	if !job.IsTerminal() {
		t.Error("completed job should be terminal")
	}
}

func TestJob_MarkFailed(t *testing.T) {
	job := NewGenerationJob("gen-abc123def456", json.RawMessage(`{"prompt":"test"}`), "")
	job.MarkRunning(30)
	job.MarkFailed("Backend unavailable")

	if job.Status != JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage != "Backend unavailable" {
		t.Errorf("error_message = %q", job.ErrorMessage)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at not set by MarkFailed")
	}
}

func TestJob_ConfigRoundTrip(t *testing.T) {
	// Config must survive store serialization byte-identically.
	raw := json.RawMessage(`{"method":"lora","steps":1500,"learning_rate":0.0001}`)
	job := NewTrainingJob("train-abc123def456", "char-12345678", raw, "req-aaa111bbb222")

	data, err := job.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	restored, err := JobFromJSON(data)
	if err != nil {
		t.Fatalf("JobFromJSON: %v", err)
	}

	if !bytes.Equal(restored.Config, raw) {
		t.Errorf("config changed in round trip:\n got %s\nwant %s", restored.Config, raw)
	}
	if restored.ID != job.ID || restored.CorrelationID != job.CorrelationID {
		t.Error("identity fields lost in round trip")
	}
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     *Job
		wantErr bool
	}{
		{
			name:    "valid training job",
			job:     NewTrainingJob("train-abc123def456", "char-12345678", json.RawMessage(`{}`), ""),
			wantErr: false,
		},
		{
			name:    "valid generation job without character",
			job:     NewGenerationJob("gen-abc123def456", json.RawMessage(`{}`), ""),
			wantErr: false,
		},
		{
			name:    "missing ID",
			job:     &Job{Type: JobTypeTraining, Status: JobStatusQueued, CharacterID: "char-1"},
			wantErr: true,
		},
		{
			name:    "bad type",
			job:     &Job{ID: "x", Type: "video", Status: JobStatusQueued},
			wantErr: true,
		},
		{
			name:    "training without character",
			job:     &Job{ID: "train-abc123def456", Type: JobTypeTraining, Status: JobStatusQueued},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJob_ApplyStatusUpdate_TerminalIsFinal(t *testing.T) {
	job := NewTrainingJob("train-abc123def456", "char-12345678", json.RawMessage(`{}`), "")
	job.MarkCancelled()
	completedAt := *job.CompletedAt

	applied := job.ApplyStatusUpdate(JobStatusRunning, map[string]interface{}{
		"progress": 55.0,
		"message":  "step 550/1000",
	})
	if applied {
		t.Error("non-terminal write onto a cancelled job must be dropped")
	}
	if job.Status != JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.Progress != 0 || job.Message != "" {
		t.Error("dropped update must not apply fields")
	}
	if !job.CompletedAt.Equal(completedAt) {
		t.Error("completed_at must not change on a dropped update")
	}

	// Re-asserting the same terminal status may still attach fields
	if !job.ApplyStatusUpdate(JobStatusCancelled, map[string]interface{}{"message": "Job cancelled"}) {
		t.Error("same-status update on a terminal record should apply")
	}
	if job.Message != "Job cancelled" {
		t.Errorf("message = %q", job.Message)
	}
}

func TestJob_ElapsedSeconds_StableAfterCompletion(t *testing.T) {
	job := NewTrainingJob("train-abc123def456", "char-12345678", json.RawMessage(`{}`), "")
	if job.ElapsedSeconds() != 0 {
		t.Error("elapsed should be 0 before start")
	}

	job.MarkRunning(100)
	job.MarkCompleted("/out/v1.safetensors", nil)

	first := job.ElapsedSeconds()
	second := job.ElapsedSeconds()
	if first != second {
		t.Errorf("elapsed not stable after completion: %v vs %v", first, second)
	}
}
