// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"rbridge/cli/internal/bridge/registry"
	"rbridge/cli/internal/bridge/wire"
	bridgeerrors "rbridge/cli/internal/errors"
)

// ListenerState enumerates the listener lifecycle.
type ListenerState int32

const (
	ListenerStopped ListenerState = iota
	ListenerStarting
	ListenerRunning
	ListenerStopping
)

func (s ListenerState) String() string {
	switch s {
	case ListenerStopped:
		return "stopped"
	case ListenerStarting:
		return "starting"
	case ListenerRunning:
		return "running"
	case ListenerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Listener consumes the backend event stream on a single goroutine and
// dispatches every event to the registry in receive order. The stream carries
// every event type; the registry picks the handlers at dispatch time, so a
// Subscribe takes effect for the very next event received. Errors never end
// the loop; only Stop or cancellation of the Start context does.
type Listener struct {
	conn      *ConnectionManager
	transport Transport
	registry  *registry.Registry
	metrics   *Metrics
	logger    *zap.Logger

	pollInterval   time.Duration
	reconnectDelay time.Duration

	mu     sync.Mutex
	state  ListenerState
	cancel context.CancelFunc
	done   chan struct{}
}

// Start spawns the loop goroutine. It is a no-op returning true when the
// listener is already running, and returns false while a previous loop is
// still shutting down.
func (l *Listener) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case ListenerRunning, ListenerStarting:
		return true
	case ListenerStopping:
		return false
	}
	l.state = ListenerStarting

	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go func() {
		defer close(done)
		l.loop(lctx)
	}()

	l.state = ListenerRunning
	l.logger.Info("event listener started", zap.Duration("poll_interval", l.pollInterval))
	return true
}

// Stop cancels the loop and waits up to joinTimeout for it to exit; a
// non-positive joinTimeout waits without bound. It reports whether the loop
// exited in time. A loop that outlives the timeout keeps the listener
// Stopping until it returns, so Start cannot run a second loop beside it.
// Stop is safe to call when already stopped.
func (l *Listener) Stop(joinTimeout time.Duration) bool {
	l.mu.Lock()
	switch l.state {
	case ListenerStopped:
		l.mu.Unlock()
		return true
	case ListenerStarting, ListenerRunning:
		l.state = ListenerStopping
		l.cancel()
		go l.reap(l.done)
	}
	done := l.done
	l.mu.Unlock()

	joined := true
	if joinTimeout > 0 {
		t := time.NewTimer(joinTimeout)
		select {
		case <-done:
		case <-t.C:
			joined = false
		}
		t.Stop()
	} else {
		<-done
	}

	if joined {
		l.finish(done)
		l.logger.Info("event listener stopped")
	} else {
		l.logger.Warn("event listener did not exit within join timeout", zap.Duration("join_timeout", joinTimeout))
	}
	return joined
}

// reap marks the listener stopped once the loop behind done has exited.
func (l *Listener) reap(done chan struct{}) {
	<-done
	l.finish(done)
}

func (l *Listener) finish(done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == done && l.state == ListenerStopping {
		l.state = ListenerStopped
		l.cancel, l.done = nil, nil
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if !l.conn.IsConnected() {
			if !sleepContext(ctx, l.backoff()) {
				return
			}
			l.conn.Connect(ctx)
			continue
		}
		l.consume(ctx)
	}
}

// backoff is one reconnect delay, never shorter than the poll interval so an
// absent backend cannot make the loop spin.
func (l *Listener) backoff() time.Duration {
	return max(l.reconnectDelay, l.pollInterval)
}

// consume opens one stream for all event types and pumps it until it fails,
// the connection is lost, or ctx is cancelled.
func (l *Listener) consume(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := l.transport.StreamEvents(sctx, &wire.StreamRequest{
		SessionID: l.conn.Session().SessionID,
	})
	if err != nil {
		l.handleStreamErr(ctx, err)
		return
	}
	l.logger.Debug("event stream opened",
		zap.Strings("subscribed_types", l.registry.EventTypes()),
		zap.Int("subscriptions", l.registry.Len()))

	events := make(chan *wire.Event)
	errs := make(chan error, 1)
	var pump conc.WaitGroup
	pump.Go(func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-sctx.Done():
				return
			}
		}
	})
	defer func() {
		cancel()
		_ = stream.Close()
		pump.Wait()
	}()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ctx.Err() != nil {
				return
			}
			l.dispatch(ctx, ev)
		case err := <-errs:
			l.handleStreamErr(ctx, err)
			return
		case <-ticker.C:
			if !l.conn.IsConnected() {
				return
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, w *wire.Event) {
	ev := wire.DecodeEvent(w)
	n := l.registry.Dispatch(ctx, ev)
	l.metrics.EventsDispatched.Inc()
	l.logger.Debug("event dispatched",
		zap.String("event_type", ev.Type),
		zap.String("event_id", ev.ID),
		zap.Int("handlers", n))
}

func (l *Listener) handleStreamErr(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, io.EOF):
		l.logger.Debug("event stream closed by backend; reopening")
	case bridgeerrors.Unavailable(err):
		l.metrics.StreamErrors.Inc()
		l.conn.MarkDisconnected(err)
		return
	default:
		l.metrics.StreamErrors.Inc()
		l.logger.Warn("event stream failed; reopening", zap.Error(err))
	}
	sleepContext(ctx, l.pollInterval)
}
