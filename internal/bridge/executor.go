// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package bridge

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/bridge/registry"
	"rbridge/cli/internal/bridge/wire"
	bridgeerrors "rbridge/cli/internal/errors"
)

const (
	statusDegraded = "degraded"
	degradedReason = "bridge is in degraded mode: backend unavailable"
)

// executor turns application calls into backend requests. Every operation
// shares run: connect if needed, send, and on a backend-unavailable error
// reconnect and retry exactly once.
type executor struct {
	transport Transport
	conn      *ConnectionManager
	degraded  *degradedController
	registry  *registry.Registry
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *zap.Logger

	// stateTimeout bounds state and publish calls.
	stateTimeout time.Duration
}

func (e *executor) sessionID() string { return e.conn.Session().SessionID }

func (e *executor) ensureConnected(ctx context.Context) bool {
	if e.conn.IsConnected() {
		return true
	}
	if e.degraded.Active() {
		return e.conn.Probe(ctx)
	}
	return e.conn.Connect(ctx)
}

// run executes op through do. It returns a Degraded-kind error without
// calling do when the backend cannot be reached beforehand.
func (e *executor) run(ctx context.Context, op *model.Operation, do func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "bridge."+string(op.Kind), trace.WithAttributes(
		attribute.String("kind", string(op.Kind)),
		attribute.String("session_id", e.sessionID()),
	))
	defer span.End()

	err := e.attempt(ctx, op, do)

	status := model.StatusSuccess
	switch {
	case bridgeerrors.Is(err, bridgeerrors.Degraded):
		status = statusDegraded
	case err != nil:
		status = model.StatusError
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("retried", op.Retried), attribute.String("status", status))
	e.metrics.Operations.WithLabelValues(string(op.Kind), status).Inc()
	return err
}

func (e *executor) attempt(ctx context.Context, op *model.Operation, do func(ctx context.Context) error) error {
	if !e.ensureConnected(ctx) {
		return bridgeerrors.New(bridgeerrors.Degraded, degradedReason)
	}

	var err error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			op.Retried = true
			e.metrics.Retries.WithLabelValues(string(op.Kind)).Inc()
		}

		callCtx, cancel := withOptionalTimeout(ctx, op.Timeout)
		err = do(callCtx)
		cancel()

		if err == nil || !bridgeerrors.Unavailable(err) {
			return err
		}
		e.conn.MarkDisconnected(err)
		if attempt == 1 {
			break
		}
		e.logger.Warn("backend unavailable; reconnecting before retry",
			zap.String("kind", string(op.Kind)), zap.Error(err))
		if !e.conn.Connect(ctx) {
			return err
		}
	}
	return err
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ExecuteTask runs a task on the backend. Failures of every kind are reported
// in the result with Status "error".
func (e *executor) ExecuteTask(ctx context.Context, task model.TaskRequest) model.TaskResult {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = model.DefaultTaskTimeoutSeconds
	}
	// The key is fixed before the first attempt so the retry carries the same one.
	task.Metadata = maps.Clone(task.Metadata)
	if task.Metadata == nil {
		task.Metadata = make(map[string]string, 1)
	}
	if task.Metadata[model.MetadataIdempotencyKey] == "" {
		task.Metadata[model.MetadataIdempotencyKey] = task.TaskID
	}

	failed := func(msg string, retried bool, started time.Time) model.TaskResult {
		return model.TaskResult{
			TaskID:        task.TaskID,
			AgentID:       task.AgentID,
			Status:        model.StatusError,
			Error:         msg,
			ExecutionTime: time.Since(started),
			Metadata:      task.Metadata,
			Retried:       retried,
		}
	}

	started := time.Now()
	req, err := wire.EncodeTask(e.sessionID(), task)
	if err != nil {
		return failed("invalid task input: "+err.Error(), false, started)
	}

	op := &model.Operation{
		Kind:    model.OpExecuteTask,
		Payload: task.Input,
		Timeout: time.Duration(task.TimeoutSeconds) * time.Second,
	}
	var resp *wire.TaskResponse
	err = e.run(ctx, op, func(ctx context.Context) error {
		req.SessionID = e.sessionID()
		r, err := e.transport.ExecuteTask(ctx, req)
		resp = r
		return err
	})
	if err != nil {
		if bridgeerrors.Is(err, bridgeerrors.Degraded) {
			return failed(degradedReason, false, started)
		}
		return failed(err.Error(), op.Retried, started)
	}

	res := wire.DecodeTaskResult(resp)
	if res.TaskID == "" {
		res.TaskID = task.TaskID
	}
	if res.AgentID == "" {
		res.AgentID = task.AgentID
	}
	if res.ExecutionTime == 0 {
		res.ExecutionTime = time.Since(started)
	}
	res.Retried = op.Retried
	return res
}

// GetState returns the value stored under key. Absent, degraded and failed
// lookups all report false.
func (e *executor) GetState(ctx context.Context, key string) (model.Payload, bool) {
	op := &model.Operation{Kind: model.OpGetState, Timeout: e.stateTimeout}
	var resp *wire.StateResponse
	err := e.run(ctx, op, func(ctx context.Context) error {
		r, err := e.transport.GetState(ctx, &wire.StateRequest{SessionID: e.sessionID(), Key: key})
		resp = r
		return err
	})
	if err != nil {
		e.logFailure(op, key, err)
		return nil, false
	}
	if !resp.Found {
		return nil, false
	}
	return model.Payload(resp.Value), true
}

// SetState stores value under key and reports whether the backend accepted it.
func (e *executor) SetState(ctx context.Context, key string, value model.Payload) bool {
	raw, err := wire.Raw(value)
	if err != nil {
		e.logger.Warn("refusing to store non-JSON state value", zap.String("key", key), zap.Error(err))
		return false
	}
	op := &model.Operation{Kind: model.OpSetState, Payload: value, Timeout: e.stateTimeout}
	var resp *wire.StateResponse
	err = e.run(ctx, op, func(ctx context.Context) error {
		r, err := e.transport.SetState(ctx, &wire.StateRequest{SessionID: e.sessionID(), Key: key, Value: raw})
		resp = r
		return err
	})
	if err != nil {
		e.logFailure(op, key, err)
		return false
	}
	return resp.Success
}

// DeleteState removes key and reports whether the backend confirmed it.
func (e *executor) DeleteState(ctx context.Context, key string) bool {
	op := &model.Operation{Kind: model.OpDeleteState, Timeout: e.stateTimeout}
	var resp *wire.StateResponse
	err := e.run(ctx, op, func(ctx context.Context) error {
		r, err := e.transport.DeleteState(ctx, &wire.StateRequest{SessionID: e.sessionID(), Key: key})
		resp = r
		return err
	})
	if err != nil {
		e.logFailure(op, key, err)
		return false
	}
	return resp.Success
}

// PublishOption customizes an outbound event.
type PublishOption func(*model.Event)

// WithSource overrides the default event source "app".
func WithSource(source string) PublishOption {
	return func(ev *model.Event) { ev.Source = source }
}

// WithMetadata merges md into the event metadata.
func WithMetadata(md map[string]string) PublishOption {
	return func(ev *model.Event) {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(ev.Metadata, md)
	}
}

// WithEventID fixes the event id; by default a fresh uuid is used.
func WithEventID(id string) PublishOption {
	return func(ev *model.Event) { ev.ID = id }
}

// PublishEvent sends an event to the backend. In degraded mode it is
// dispatched synchronously to local subscribers instead and still reports true.
func (e *executor) PublishEvent(ctx context.Context, eventType string, data model.Payload, opts ...PublishOption) bool {
	ev := model.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    model.DefaultEventSource,
		Timestamp: time.Now(),
		Payload:   data,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	// Encoded once so the retry carries the same EventID.
	msg, err := wire.EncodeEvent(e.sessionID(), ev)
	if err != nil {
		e.logger.Warn("refusing to publish non-JSON event data", zap.String("event_type", eventType), zap.Error(err))
		return false
	}

	op := &model.Operation{Kind: model.OpPublishEvent, Payload: data, Timeout: e.stateTimeout}
	var resp *wire.PublishResponse
	err = e.run(ctx, op, func(ctx context.Context) error {
		msg.SessionID = e.sessionID()
		r, err := e.transport.PublishEvent(ctx, msg)
		resp = r
		return err
	})
	switch {
	case bridgeerrors.Is(err, bridgeerrors.Degraded):
		return e.publishLocal(ctx, ev)
	case err != nil:
		e.logFailure(op, eventType, err)
		return false
	}
	return resp.Success
}

func (e *executor) publishLocal(ctx context.Context, ev model.Event) bool {
	ev.Metadata = maps.Clone(ev.Metadata)
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]string, 1)
	}
	ev.Metadata[model.MetadataOrigin] = model.OriginLocal
	n := e.registry.Dispatch(ctx, ev)
	e.metrics.LocalPublishes.Inc()
	e.logger.Debug("event dispatched locally",
		zap.String("event_type", ev.Type),
		zap.String("event_id", ev.ID),
		zap.Int("handlers", n))
	return true
}

func (e *executor) logFailure(op *model.Operation, subject string, err error) {
	if bridgeerrors.Is(err, bridgeerrors.Degraded) {
		e.logger.Debug("operation skipped in degraded mode", zap.String("kind", string(op.Kind)), zap.String("subject", subject))
		return
	}
	e.logger.Warn("operation failed",
		zap.String("kind", string(op.Kind)),
		zap.String("subject", subject),
		zap.Bool("retried", op.Retried),
		zap.Error(err))
}
