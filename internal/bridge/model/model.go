// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package model defines shared data structures for bridge communication.
// It provides type definitions for tasks, results, events, sessions and the
// connection state machine that are exchanged between application code, the
// bridge core and the transport implementations.
//
// The types in this package are transport-agnostic. Payloads are opaque JSON
// bytes that travel through the bridge uninterpreted; callers decode them on
// demand.
package model

import (
	"encoding/json"
	"time"
)

// Payload is an opaque JSON blob round-tripped by the wire codec without interpretation.
type Payload []byte

// JSON encodes v into a Payload. A nil v yields an empty payload.
func JSON(v any) (Payload, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

// MustJSON is JSON for values that cannot fail to encode.
func MustJSON(v any) Payload {
	p, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	return json.Unmarshal(p, v)
}

// IsEmpty reports whether the payload carries no bytes.
func (p Payload) IsEmpty() bool { return len(p) == 0 }

func (p Payload) String() string { return string(p) }

// ConnectionState enumerates the states of the logical backend session.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Degraded means the backend could not be reached and the bridge runs local-only.
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Session identifies one bridge instance to the backend.
type Session struct {
	SessionID      string
	Connected      bool
	BackendAddress string
}

// OperationKind enumerates the synchronous operations of the bridge.
type OperationKind string

const (
	OpExecuteTask  OperationKind = "execute-task"
	OpGetState     OperationKind = "get-state"
	OpSetState     OperationKind = "set-state"
	OpDeleteState  OperationKind = "delete-state"
	OpPublishEvent OperationKind = "publish-event"
)

// Operation is a single request made through the executor.
type Operation struct {
	Kind    OperationKind
	Payload Payload
	Timeout time.Duration
	// Retried is set only on the one permitted retry.
	Retried bool
}

// Result statuses produced by the bridge itself. Backends may report others.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MetadataIdempotencyKey is the task metadata key carrying the caller's dedupe token.
const MetadataIdempotencyKey = "idempotency_key"

// DefaultTaskTimeoutSeconds applies when a TaskRequest leaves TimeoutSeconds zero.
const DefaultTaskTimeoutSeconds = 60

// TaskRequest describes a task to execute on the backend.
type TaskRequest struct {
	TaskID         string
	TaskType       string
	Description    string
	Input          Payload
	AgentID        string
	TimeoutSeconds int
	Metadata       map[string]string
}

// TaskResult is the outcome of ExecuteTask. Status is "error" for every
// failure, connectivity problems included; Error then holds the message.
type TaskResult struct {
	TaskID        string
	AgentID       string
	Status        string
	Output        Payload
	Error         string
	ExecutionTime time.Duration
	Metadata      map[string]string
	Retried       bool
}

// OK reports whether the task completed without error.
func (r TaskResult) OK() bool { return r.Error == "" && r.Status != StatusError }

// Event is an inbound (or locally synthesized) event. It lives only for the
// duration of dispatch.
type Event struct {
	ID        string
	Type      string
	Source    string
	Timestamp time.Time
	Payload   Payload
	Metadata  map[string]string
}

// MetadataOrigin marks where an event came from; "local" for degraded-mode dispatch.
const (
	MetadataOrigin = "origin"
	OriginLocal    = "local"
	OriginBackend  = "backend"
)

// DefaultEventSource is used when PublishEvent is not given a source.
const DefaultEventSource = "app"
