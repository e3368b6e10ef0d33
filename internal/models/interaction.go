// -----------------------------------------------------------------------
// Interaction - End-to-end interaction traces recorded by the UELR register
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record type discriminators for the interaction JSONL files.
// Line 1 of each file is the interaction header; every following line is a step.
const (
	RecordTypeInteraction = "interaction"
	RecordTypeStep        = "step"
)

// InteractionStatus represents the outcome of a traced interaction
type InteractionStatus string

const (
	InteractionStatusPending   InteractionStatus = "pending"
	InteractionStatusSuccess   InteractionStatus = "success"
	InteractionStatusError     InteractionStatus = "error"
	InteractionStatusCancelled InteractionStatus = "cancelled"
)

// IsValid checks if the InteractionStatus is a known, valid value
func (s InteractionStatus) IsValid() bool {
	switch s {
	case InteractionStatusPending, InteractionStatusSuccess,
		InteractionStatusError, InteractionStatusCancelled:
		return true
	}
	return false
}

// StepComponent identifies which part of the system produced a step
type StepComponent string

const (
	ComponentFrontend StepComponent = "frontend"
	ComponentBackend  StepComponent = "backend"
	ComponentWorker   StepComponent = "worker"
	ComponentPlugin   StepComponent = "plugin"
	ComponentExternal StepComponent = "external"
	ComponentQueue    StepComponent = "queue"
)

// IsValid checks if the StepComponent is a known, valid value
func (c StepComponent) IsValid() bool {
	switch c {
	case ComponentFrontend, ComponentBackend, ComponentWorker,
		ComponentPlugin, ComponentExternal, ComponentQueue:
		return true
	}
	return false
}

// InteractionStepType classifies what a step records
type InteractionStepType string

const (
	StepUIActionStart       InteractionStepType = "ui_action_start"
	StepUIActionEnd         InteractionStepType = "ui_action_end"
	StepUIStateChange       InteractionStepType = "ui_state_change"
	StepNetworkRequestStart InteractionStepType = "network_request_start"
	StepNetworkRequestEnd   InteractionStepType = "network_request_end"
	StepSSEConnect          InteractionStepType = "sse_connect"
	StepSSEMessage          InteractionStepType = "sse_message"
	StepSSEClose            InteractionStepType = "sse_close"
	StepSSEError            InteractionStepType = "sse_error"
	StepBackendRouteStart   InteractionStepType = "backend_route_start"
	StepBackendRouteEnd     InteractionStepType = "backend_route_end"
	StepBackendError        InteractionStepType = "backend_error"
	StepJobEnqueue          InteractionStepType = "job_enqueue"
	StepJobStart            InteractionStepType = "job_start"
	StepJobProgress         InteractionStepType = "job_progress"
	StepJobEnd              InteractionStepType = "job_end"
	StepWorkerTaskStart     InteractionStepType = "worker_task_start"
	StepWorkerTaskEnd       InteractionStepType = "worker_task_end"
	StepPluginCall          InteractionStepType = "plugin_call"
	StepPluginResponse      InteractionStepType = "plugin_response"
	StepExternalRequest     InteractionStepType = "external_request"
	StepExternalResponse    InteractionStepType = "external_response"
	StepError               InteractionStepType = "error"
	StepWarning             InteractionStepType = "warning"
	StepInfo                InteractionStepType = "info"
)

var validStepTypes = map[InteractionStepType]bool{
	StepUIActionStart: true, StepUIActionEnd: true, StepUIStateChange: true,
	StepNetworkRequestStart: true, StepNetworkRequestEnd: true,
	StepSSEConnect: true, StepSSEMessage: true, StepSSEClose: true, StepSSEError: true,
	StepBackendRouteStart: true, StepBackendRouteEnd: true, StepBackendError: true,
	StepJobEnqueue: true, StepJobStart: true, StepJobProgress: true, StepJobEnd: true,
	StepWorkerTaskStart: true, StepWorkerTaskEnd: true,
	StepPluginCall: true, StepPluginResponse: true,
	StepExternalRequest: true, StepExternalResponse: true,
	StepError: true, StepWarning: true, StepInfo: true,
}

// IsValid checks if the InteractionStepType is a known, valid value
func (t InteractionStepType) IsValid() bool {
	return validStepTypes[t]
}

// Interaction is the header record of one traced user interaction.
// Timestamps are carried as strings because the frontend supplies them;
// duration_ms is derived server-side only when both ends parse as RFC3339.
type Interaction struct {
	RecordType    string            `json:"_type"`
	InteractionID string            `json:"interaction_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ActionName    string            `json:"action_name"`
	Description   string            `json:"description,omitempty"`
	Status        InteractionStatus `json:"status"`
	StartedAt     string            `json:"started_at"`
	EndedAt       string            `json:"ended_at,omitempty"`
	DurationMS    *int64            `json:"duration_ms,omitempty"`
	StepCount     int               `json:"step_count"`
	ErrorCount    int               `json:"error_count"`
	ErrorSummary  string            `json:"error_summary,omitempty"`
	Context       map[string]any    `json:"context,omitempty"`
}

// InteractionStep is one recorded step inside an interaction.
// Steps are append-only; Seq is assigned by the register on append.
type InteractionStep struct {
	RecordType    string              `json:"_type"`
	InteractionID string              `json:"interaction_id"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Seq           int                 `json:"seq"`
	StepType      InteractionStepType `json:"step_type"`
	Component     StepComponent       `json:"component"`
	Status        string              `json:"status,omitempty"`
	TS            string              `json:"ts"`
	Name          string              `json:"name"`
	DurationMS    *int64              `json:"duration_ms,omitempty"`
	Details       map[string]any      `json:"details,omitempty"`
}

// IsError returns true for steps that should bump the interaction error count
func (s *InteractionStep) IsError() bool {
	return s.Status == "error" || s.StepType == StepError ||
		s.StepType == StepBackendError || s.StepType == StepSSEError
}

// ComputeDuration derives duration_ms when both timestamps parse as RFC3339.
// Unparseable or missing timestamps leave DurationMS nil.
func (i *Interaction) ComputeDuration() {
	if i.StartedAt == "" || i.EndedAt == "" {
		return
	}
	start, err := time.Parse(time.RFC3339, i.StartedAt)
	if err != nil {
		return
	}
	end, err := time.Parse(time.RFC3339, i.EndedAt)
	if err != nil {
		return
	}
	ms := end.Sub(start).Milliseconds()
	i.DurationMS = &ms
}

// ToJSON serializes the interaction header as one JSONL line
func (i *Interaction) ToJSON() ([]byte, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal interaction: %w", err)
	}
	return data, nil
}

// InteractionFromJSON deserializes an interaction header line
func InteractionFromJSON(data []byte) (*Interaction, error) {
	var interaction Interaction
	if err := json.Unmarshal(data, &interaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal interaction: %w", err)
	}
	return &interaction, nil
}

// InteractionFilter narrows List results. ActionName matches as a
// case-insensitive substring; From/To bound started_at.
type InteractionFilter struct {
	ActionName    string
	Status        InteractionStatus
	CorrelationID string
	From          string
	To            string
	Offset        int
	Limit         int
}

// InteractionList is the paged response shape for List
type InteractionList struct {
	Items   []*Interaction `json:"items"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
}

// CreateInteractionRequest is the POST /api/uelr/interactions body
type CreateInteractionRequest struct {
	InteractionID string         `json:"interaction_id" validate:"required"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ActionName    string         `json:"action_name" validate:"required"`
	Description   string         `json:"description,omitempty"`
	StartedAt     string         `json:"started_at,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// AppendStepsRequest is the POST /api/uelr/interactions/{id}/steps body
type AppendStepsRequest struct {
	Steps []InteractionStep `json:"steps" validate:"required,min=1"`
}

// CompleteInteractionRequest is the PUT /api/uelr/interactions/{id}/complete body
type CompleteInteractionRequest struct {
	Status       InteractionStatus `json:"status" validate:"required"`
	ErrorSummary string            `json:"error_summary,omitempty"`
}
