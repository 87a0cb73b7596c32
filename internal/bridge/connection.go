// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package bridge

import (
	"context"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rbridge/cli/internal/bridge/model"
)

const topicStateChanged = "connection:state"

// StateObserver is notified after every connection state transition. It runs
// synchronously on the goroutine that caused the transition and must not
// register further observers.
type StateObserver func(from, to model.ConnectionState)

// ConnectionManager owns the logical session to the backend and the canonical
// connection state. All reads and writes of the state go through its mutex;
// the executor and the listener may race to reconnect and concurrent Connect
// calls share one in-flight attempt loop.
type ConnectionManager struct {
	transport Transport
	degraded  *degradedController
	logger    *zap.Logger
	metrics   *Metrics
	bus       evbus.Bus

	attempts int
	delay    time.Duration
	timeout  time.Duration

	flight singleflight.Group

	mu        sync.Mutex
	state     model.ConnectionState
	session   model.Session
	lastProbe time.Time
}

func newConnectionManager(t Transport, sessionID string, attempts int, delay, timeout time.Duration, d *degradedController, m *Metrics, logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		transport: t,
		degraded:  d,
		logger:    logger,
		metrics:   m,
		bus:       evbus.New(),
		attempts:  attempts,
		delay:     delay,
		timeout:   timeout,
		state:     model.Disconnected,
		session: model.Session{
			SessionID:      sessionID,
			BackendAddress: t.Address(),
		},
	}
}

// Connect establishes the session: an initial attempt plus up to
// reconnectAttempts more, sleeping reconnectDelay between them. It returns
// true immediately when already connected. Failure is reported, not raised,
// and switches the bridge to degraded mode.
//
// Concurrent callers share one attempt loop, which runs on the context of
// the caller that started it. When that context is cancelled the other
// callers start a fresh loop on their own contexts instead of failing.
func (c *ConnectionManager) Connect(ctx context.Context) bool {
	for {
		if c.IsConnected() {
			return true
		}
		v, _, _ := c.flight.Do("connect", func() (any, error) {
			return c.connectLoop(ctx), nil
		})
		res := v.(connectResult)
		if res.ok || !res.cancelled || ctx.Err() != nil {
			return res.ok
		}
	}
}

// connectResult is the shared outcome of one attempt loop. cancelled is set
// when the loop ended because its context was cancelled.
type connectResult struct {
	ok        bool
	cancelled bool
}

func (c *ConnectionManager) connectLoop(ctx context.Context) connectResult {
	if c.IsConnected() {
		return connectResult{ok: true}
	}
	c.setState(model.Connecting)

	total := c.attempts + 1
	for attempt := 1; attempt <= total; attempt++ {
		err := c.attempt(ctx)
		if err == nil {
			c.metrics.ConnectAttempts.WithLabelValues("success").Inc()
			c.degraded.evaluate(true)
			c.setState(model.Connected)
			c.logger.Info("connected to backend",
				zap.String("address", c.transport.Address()),
				zap.String("session_id", c.session.SessionID),
				zap.Int("attempt", attempt))
			return connectResult{ok: true}
		}
		c.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		c.logger.Warn("backend health check failed",
			zap.String("address", c.transport.Address()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", total),
			zap.Error(err))

		if c.IsConnected() {
			// A concurrent Probe got there first.
			return connectResult{ok: true}
		}
		if attempt < total && !sleepContext(ctx, c.delay) {
			break
		}
	}

	if !c.casState(model.Connecting, model.Disconnected) {
		return connectResult{ok: c.IsConnected()}
	}
	if ctx.Err() != nil {
		return connectResult{cancelled: true}
	}
	c.degraded.evaluate(false)
	c.casState(model.Disconnected, model.Degraded)
	return connectResult{}
}

// Probe makes a single non-sleeping connection attempt, at most once per
// reconnectDelay. The executor uses it while degraded so that callers do not
// pay the full reconnect budget on every operation.
func (c *ConnectionManager) Probe(ctx context.Context) bool {
	if c.IsConnected() {
		return true
	}
	c.mu.Lock()
	if !c.lastProbe.IsZero() && time.Since(c.lastProbe) < c.delay {
		c.mu.Unlock()
		return false
	}
	c.lastProbe = time.Now()
	c.mu.Unlock()

	if err := c.attempt(ctx); err != nil {
		c.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		c.logger.Debug("degraded probe failed", zap.Error(err))
		return false
	}
	c.metrics.ConnectAttempts.WithLabelValues("success").Inc()
	c.degraded.evaluate(true)
	c.setState(model.Connected)
	c.logger.Info("connected to backend", zap.String("address", c.transport.Address()), zap.String("via", "probe"))
	return true
}

func (c *ConnectionManager) attempt(ctx context.Context) error {
	if err := c.transport.Dial(ctx); err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.transport.Check(hctx, c.session.SessionID)
}

// Disconnect tears the session down. It is idempotent and does not stop the
// listener; callers coordinate that themselves.
func (c *ConnectionManager) Disconnect(_ context.Context) bool {
	err := c.transport.Close()
	c.setState(model.Disconnected)
	if err != nil {
		c.logger.Warn("closing backend connection failed", zap.Error(err))
		return false
	}
	return true
}

// MarkDisconnected records that an operation found the connection broken.
func (c *ConnectionManager) MarkDisconnected(reason error) {
	if c.casState(model.Connected, model.Disconnected) {
		c.logger.Warn("backend connection lost", zap.Error(reason))
	}
}

// IsConnected is a non-blocking state read.
func (c *ConnectionManager) IsConnected() bool {
	return c.State() == model.Connected
}

// State returns the current connection state.
func (c *ConnectionManager) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the session descriptor.
func (c *ConnectionManager) Session() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// OnStateChange registers fn for state transitions.
func (c *ConnectionManager) OnStateChange(fn StateObserver) {
	_ = c.bus.Subscribe(topicStateChanged, func(from, to model.ConnectionState) { fn(from, to) })
}

func (c *ConnectionManager) setState(to model.ConnectionState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.session.Connected = to == model.Connected
	c.mu.Unlock()
	c.notify(from, to)
}

// casState moves from -> to only when the current state is from.
func (c *ConnectionManager) casState(from, to model.ConnectionState) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.session.Connected = to == model.Connected
	c.mu.Unlock()
	c.notify(from, to)
	return true
}

func (c *ConnectionManager) notify(from, to model.ConnectionState) {
	if from == to {
		return
	}
	c.metrics.observeState(from, to)
	c.bus.Publish(topicStateChanged, from, to)
}

// sleepContext waits for d or until ctx is done; it reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
