// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import (
	"encoding/json"
	"maps"
	"time"

	"rbridge/cli/internal/bridge/model"
)

// TaskRequest is the execute-task request body.
type TaskRequest struct {
	SessionID      string            `json:"session_id"`
	TaskID         string            `json:"task_id"`
	TaskType       string            `json:"task_type"`
	Description    string            `json:"description,omitempty"`
	Input          json.RawMessage   `json:"input,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TaskResponse is the execute-task response body. ExecutionTime is in seconds.
type TaskResponse struct {
	TaskID        string            `json:"task_id"`
	AgentID       string            `json:"agent_id,omitempty"`
	Status        string            `json:"status"`
	Output        json.RawMessage   `json:"output,omitempty"`
	Error         string            `json:"error,omitempty"`
	ExecutionTime float64           `json:"execution_time"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// StateRequest carries get/set/delete-state requests. Value is set only for set-state.
type StateRequest struct {
	SessionID string          `json:"session_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// StateResponse answers state requests: Found for get, Success for set/delete.
type StateResponse struct {
	Found   bool            `json:"found,omitempty"`
	Success bool            `json:"success,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Event is both the publish-event request and the element of the event stream.
type Event struct {
	SessionID   string            `json:"session_id,omitempty"`
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	Source      string            `json:"source"`
	TimestampMs int64             `json:"timestamp_ms"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PublishResponse acknowledges a published event.
type PublishResponse struct {
	Success bool `json:"success"`
}

// StreamRequest opens the event stream. An empty EventTypes means all types.
type StreamRequest struct {
	SessionID  string   `json:"session_id"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EncodeTask converts a model task into its wire request.
func EncodeTask(sessionID string, t model.TaskRequest) (*TaskRequest, error) {
	input, err := Raw(t.Input)
	if err != nil {
		return nil, err
	}
	timeout := t.TimeoutSeconds
	if timeout <= 0 {
		timeout = model.DefaultTaskTimeoutSeconds
	}
	return &TaskRequest{
		SessionID:      sessionID,
		TaskID:         t.TaskID,
		TaskType:       t.TaskType,
		Description:    t.Description,
		Input:          input,
		AgentID:        t.AgentID,
		TimeoutSeconds: timeout,
		Metadata:       maps.Clone(t.Metadata),
	}, nil
}

// DecodeTaskResult converts a wire task response into a model result.
// An empty backend status is reported as success unless an error is present.
func DecodeTaskResult(r *TaskResponse) model.TaskResult {
	status := r.Status
	if status == "" {
		status = model.StatusSuccess
		if r.Error != "" {
			status = model.StatusError
		}
	}
	return model.TaskResult{
		TaskID:        r.TaskID,
		AgentID:       r.AgentID,
		Status:        status,
		Output:        model.Payload(r.Output),
		Error:         r.Error,
		ExecutionTime: time.Duration(r.ExecutionTime * float64(time.Second)),
		Metadata:      r.Metadata,
	}
}

// EncodeEvent converts a model event into its wire form.
func EncodeEvent(sessionID string, ev model.Event) (*Event, error) {
	data, err := Raw(ev.Payload)
	if err != nil {
		return nil, err
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Event{
		SessionID:   sessionID,
		EventID:     ev.ID,
		EventType:   ev.Type,
		Source:      ev.Source,
		TimestampMs: ts.UnixMilli(),
		Data:        data,
		Metadata:    maps.Clone(ev.Metadata),
	}, nil
}

// DecodeEvent converts a wire event into an inbound model event.
func DecodeEvent(e *Event) model.Event {
	md := maps.Clone(e.Metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	if _, ok := md[model.MetadataOrigin]; !ok {
		md[model.MetadataOrigin] = model.OriginBackend
	}
	return model.Event{
		ID:        e.EventID,
		Type:      e.EventType,
		Source:    e.Source,
		Timestamp: time.UnixMilli(e.TimestampMs),
		Payload:   model.Payload(e.Data),
		Metadata:  md,
	}
}
