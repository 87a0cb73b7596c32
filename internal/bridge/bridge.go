// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package bridge connects application code to a remote agent runtime.
//
// A Bridge owns one logical session to the backend. Synchronous operations
// (tasks, state, publishing) go through an executor that reconnects and
// retries exactly once when the backend is unavailable; inbound events are
// consumed by a single listener goroutine and dispatched to subscribers.
// When the backend cannot be reached the bridge runs in degraded mode:
// publishing reaches local subscribers only, state reads are absent and
// writes report false, and tasks fail with status "error". None of these
// paths return Go errors.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"rbridge/cli/internal/bridge/grpcclient"
	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/bridge/redisclient"
	"rbridge/cli/internal/bridge/registry"
	"rbridge/cli/internal/config"
)

const (
	tracerName = "rbridge/cli/internal/bridge"
	// defaultJoinTimeout bounds Close when ctx carries no deadline.
	defaultJoinTimeout = 5 * time.Second
)

// Bridge is the application-facing handle. All methods are safe for
// concurrent use.
type Bridge struct {
	cfg       config.Config
	logger    *zap.Logger
	transport Transport
	conn      *ConnectionManager
	exec      *executor
	listener  *Listener
	registry  *registry.Registry
	degraded  *degradedController
	metrics   *Metrics
}

type options struct {
	logger     *zap.Logger
	transport  Transport
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	lazy       bool
	token      string
	sessionID  string
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithTransport replaces the transport selected by config.Backend.
func WithTransport(t Transport) Option { return func(o *options) { o.transport = t } }

// WithRegisterer registers the bridge metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithLazyConnect skips the initial Connect in New. The bridge then starts
// Disconnected and connects on first use.
func WithLazyConnect() Option { return func(o *options) { o.lazy = true } }

// WithToken sets the bearer token used by the gRPC transport.
func WithToken(token string) Option { return func(o *options) { o.token = token } }

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option { return func(o *options) { o.sessionID = id } }

// New builds a bridge for cfg and, unless WithLazyConnect is given, performs
// the initial Connect. An unreachable backend is not an error: the bridge
// comes up degraded. Only invalid configuration fails.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	t := o.transport
	if t == nil {
		t = newTransport(cfg, o.token)
	}

	logger := o.logger.With(zap.String("session_id", o.sessionID))
	metrics := NewMetrics(o.registerer)
	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithFailureHook(func(registry.Subscription, error) { metrics.CallbackFailures.Inc() }),
	)
	degraded := newDegradedController(logger)
	conn := newConnectionManager(t, o.sessionID, cfg.ReconnectAttempts, cfg.ReconnectDelay, cfg.ConnectionTimeout, degraded, metrics, logger)

	b := &Bridge{
		cfg:       cfg,
		logger:    logger,
		transport: t,
		conn:      conn,
		registry:  reg,
		degraded:  degraded,
		metrics:   metrics,
		exec: &executor{
			transport:    t,
			conn:         conn,
			degraded:     degraded,
			registry:     reg,
			metrics:      metrics,
			tracer:       o.tracer.Tracer(tracerName),
			logger:       logger,
			stateTimeout: cfg.ConnectionTimeout,
		},
		listener: &Listener{
			conn:           conn,
			transport:      t,
			registry:       reg,
			metrics:        metrics,
			logger:         logger,
			pollInterval:   cfg.PollInterval,
			reconnectDelay: cfg.ReconnectDelay,
		},
	}
	if !o.lazy {
		b.conn.Connect(ctx)
	}
	return b, nil
}

func newTransport(cfg config.Config, token string) Transport {
	if cfg.Backend == config.BackendRedis {
		return redisclient.New(redisclient.Config{
			Addr:      cfg.Address(),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS:       cfg.TLS,
		})
	}
	return grpcclient.New(cfg.Address(), grpcclient.WithTLS(cfg.TLS), grpcclient.WithToken(token))
}

// ExecuteTask runs task on the backend and waits for its result.
func (b *Bridge) ExecuteTask(ctx context.Context, task model.TaskRequest) model.TaskResult {
	return b.exec.ExecuteTask(ctx, task)
}

// GetState returns the value under key and whether it was found.
func (b *Bridge) GetState(ctx context.Context, key string) (model.Payload, bool) {
	return b.exec.GetState(ctx, key)
}

// SetState stores a JSON value under key.
func (b *Bridge) SetState(ctx context.Context, key string, value model.Payload) bool {
	return b.exec.SetState(ctx, key, value)
}

// DeleteState removes key.
func (b *Bridge) DeleteState(ctx context.Context, key string) bool {
	return b.exec.DeleteState(ctx, key)
}

// PublishEvent publishes an event of eventType carrying JSON data.
func (b *Bridge) PublishEvent(ctx context.Context, eventType string, data model.Payload, opts ...PublishOption) bool {
	return b.exec.PublishEvent(ctx, eventType, data, opts...)
}

// Subscribe registers handler for eventType and returns the subscription id.
func (b *Bridge) Subscribe(eventType string, handler registry.Handler) string {
	return b.registry.Subscribe(eventType, handler)
}

// Unsubscribe removes a subscription; false when the id is unknown.
func (b *Bridge) Unsubscribe(id string) bool { return b.registry.Unsubscribe(id) }

// Start starts the event listener.
func (b *Bridge) Start(ctx context.Context) bool { return b.listener.Start(ctx) }

// Stop stops the event listener, waiting up to joinTimeout.
func (b *Bridge) Stop(joinTimeout time.Duration) bool { return b.listener.Stop(joinTimeout) }

// ListenerState reports the listener lifecycle state.
func (b *Bridge) ListenerState() ListenerState { return b.listener.State() }

// Connect establishes the session; see ConnectionManager.Connect.
func (b *Bridge) Connect(ctx context.Context) bool { return b.conn.Connect(ctx) }

// Disconnect tears down the session. The listener keeps running and will
// reconnect unless stopped first.
func (b *Bridge) Disconnect(ctx context.Context) bool { return b.conn.Disconnect(ctx) }

// State returns the connection state.
func (b *Bridge) State() model.ConnectionState { return b.conn.State() }

// IsDegraded reports whether the bridge runs local-only.
func (b *Bridge) IsDegraded() bool { return b.degraded.Active() }

// Session returns the session descriptor.
func (b *Bridge) Session() model.Session { return b.conn.Session() }

// OnStateChange registers fn for connection state transitions.
func (b *Bridge) OnStateChange(fn StateObserver) { b.conn.OnStateChange(fn) }

// Metrics exposes the bridge collectors.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// Close stops the listener, disconnects and drops all subscriptions. The
// listener join is bounded by ctx's deadline, or five seconds without one.
func (b *Bridge) Close(ctx context.Context) error {
	join := defaultJoinTimeout
	if dl, ok := ctx.Deadline(); ok {
		join = time.Until(dl)
	}
	var errs []error
	if !b.listener.Stop(max(join, time.Millisecond)) {
		errs = append(errs, fmt.Errorf("listener did not stop within %s", join))
	}
	if !b.conn.Disconnect(ctx) {
		errs = append(errs, errors.New("closing backend connection failed"))
	}
	b.registry.Close()
	return errors.Join(errs...)
}
