// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package bridge

import (
	"context"

	"rbridge/cli/internal/bridge/wire"
)

// Transport is the network boundary to the backend. Implementations return
// *errors.E values: kind Connectivity when the connection itself is broken
// (the bridge reconnects and retries once) and kind Application otherwise.
type Transport interface {
	// Dial prepares the underlying connection. It must be idempotent.
	Dial(ctx context.Context) error
	// Check performs a health check on behalf of sessionID; nil means serving.
	Check(ctx context.Context, sessionID string) error
	ExecuteTask(ctx context.Context, req *wire.TaskRequest) (*wire.TaskResponse, error)
	GetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error)
	SetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error)
	DeleteState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error)
	PublishEvent(ctx context.Context, ev *wire.Event) (*wire.PublishResponse, error)
	// StreamEvents opens the inbound event stream. Cancelling ctx must unblock Recv.
	StreamEvents(ctx context.Context, req *wire.StreamRequest) (wire.EventStream, error)
	// Address describes the backend for logs and the Session.
	Address() string
	// Close tears the connection down; a later Dial re-establishes it.
	Close() error
}
