// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package redisclient implements the bridge transport on top of Redis.
//
// Key layout, relative to the configured prefix:
//
//	<prefix>:sessions           hash of session id -> last health check
//	<prefix>:state:<key>        JSON state values
//	<prefix>:events:<type>      pub/sub channel per event type
//	<prefix>:tasks:<type>       task queue consumed by workers (RPUSH)
//	<prefix>:results:<task_id>  single-element reply list (BLPOP)
package redisclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rbridge/cli/internal/bridge/wire"
	bridgeerrors "rbridge/cli/internal/errors"
	"rbridge/cli/internal/neterr"
)

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TLS       bool
}

// Client implements the bridge transport. Safe for concurrent use.
type Client struct {
	cfg Config

	mu  sync.Mutex
	rdb *redis.Client
}

// New returns a client for cfg. No connection is made until Dial.
func New(cfg Config) *Client {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rbridge"
	}
	return &Client{cfg: cfg}
}

// Address returns the configured Redis address.
func (c *Client) Address() string { return c.cfg.Addr }

func (c *Client) key(parts ...string) string {
	k := c.cfg.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Dial creates the underlying client if there is none.
func (c *Client) Dial(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return nil
	}
	opts := &redis.Options{
		Addr:     c.cfg.Addr,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
		// The bridge owns retries.
		MaxRetries: -1,
	}
	if c.cfg.TLS {
		host, _, err := net.SplitHostPort(c.cfg.Addr)
		if err != nil {
			host = c.cfg.Addr
		}
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	c.rdb = redis.NewClient(opts)
	return nil
}

// Close releases the connection pool; a later Dial creates a new one.
func (c *Client) Close() error {
	c.mu.Lock()
	rdb := c.rdb
	c.rdb = nil
	c.mu.Unlock()
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}

func (c *Client) client() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil, bridgeerrors.New(bridgeerrors.Connectivity, "not connected")
	}
	return c.rdb, nil
}

// Check pings the server and records the session.
func (c *Client) Check(ctx context.Context, sessionID string) error {
	rdb, err := c.client()
	if err != nil {
		return err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return bridgeerrors.Wrap(bridgeerrors.Connectivity, "ping", err)
	}
	if err := rdb.HSet(ctx, c.key("sessions"), sessionID, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return classify("register session", err)
	}
	return nil
}

// ExecuteTask queues the request and waits for the worker's reply for the
// task's timeout.
func (c *Client) ExecuteTask(ctx context.Context, req *wire.TaskRequest) (*wire.TaskResponse, error) {
	rdb, err := c.client()
	if err != nil {
		return nil, err
	}
	body, err := wire.Marshal(req)
	if err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.Application, "encode task", err)
	}
	if err := rdb.RPush(ctx, c.key("tasks", req.TaskType), body).Err(); err != nil {
		return nil, classify("queue task", err)
	}

	wait := time.Duration(req.TimeoutSeconds) * time.Second
	if dl, ok := ctx.Deadline(); ok {
		// Leave room for the reply so the deadline does not cut the read.
		wait = min(wait, time.Until(dl)-50*time.Millisecond)
	}
	if wait < time.Second {
		wait = time.Second
	}
	res, err := rdb.BLPop(ctx, wait, c.key("results", req.TaskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, bridgeerrors.New(bridgeerrors.Application, fmt.Sprintf("task %s timed out after %s", req.TaskID, wait))
	}
	if err != nil {
		return nil, classify("await task result", err)
	}

	var resp wire.TaskResponse
	if err := wire.Unmarshal([]byte(res[1]), &resp); err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.Application, "decode task result", err)
	}
	return &resp, nil
}

func (c *Client) GetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	rdb, err := c.client()
	if err != nil {
		return nil, err
	}
	b, err := rdb.Get(ctx, c.key("state", req.Key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &wire.StateResponse{}, nil
	}
	if err != nil {
		return nil, classify("get state", err)
	}
	return &wire.StateResponse{Found: true, Value: b}, nil
}

func (c *Client) SetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	rdb, err := c.client()
	if err != nil {
		return nil, err
	}
	if err := rdb.Set(ctx, c.key("state", req.Key), []byte(req.Value), 0).Err(); err != nil {
		return nil, classify("set state", err)
	}
	return &wire.StateResponse{Success: true}, nil
}

// DeleteState reports Success only when the key existed.
func (c *Client) DeleteState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	rdb, err := c.client()
	if err != nil {
		return nil, err
	}
	n, err := rdb.Del(ctx, c.key("state", req.Key)).Result()
	if err != nil {
		return nil, classify("delete state", err)
	}
	return &wire.StateResponse{Success: n > 0}, nil
}

func (c *Client) PublishEvent(ctx context.Context, ev *wire.Event) (*wire.PublishResponse, error) {
	rdb, err := c.client()
	if err != nil {
		return nil, err
	}
	body, err := wire.Marshal(ev)
	if err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.Application, "encode event", err)
	}
	if err := rdb.Publish(ctx, c.key("events", ev.EventType), body).Err(); err != nil {
		return nil, classify("publish event", err)
	}
	return &wire.PublishResponse{Success: true}, nil
}

// StreamEvents subscribes to the requested event channels, or to every event
// channel when req.EventTypes is empty. Cancelling ctx closes the subscription.
func (c *Client) StreamEvents(ctx context.Context, req *wire.StreamRequest) (wire.EventStream, error) {
	rdb, err := c.client()
	if err != nil {
		return nil, err
	}
	var ps *redis.PubSub
	if len(req.EventTypes) == 0 {
		ps = rdb.PSubscribe(ctx, c.key("events", "*"))
	} else {
		channels := make([]string, len(req.EventTypes))
		for i, t := range req.EventTypes {
			channels[i] = c.key("events", t)
		}
		ps = rdb.Subscribe(ctx, channels...)
	}
	// Wait for the subscription confirmation so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classify("subscribe", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	return &eventStream{ctx: ctx, ps: ps, stop: stop}, nil
}

type eventStream struct {
	ctx  context.Context
	ps   *redis.PubSub
	stop func() bool
}

func (s *eventStream) Recv() (*wire.Event, error) {
	for {
		msg, err := s.ps.ReceiveMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, bridgeerrors.Wrap(bridgeerrors.Application, "receive event", s.ctx.Err())
			}
			return nil, classify("receive event", err)
		}
		var ev wire.Event
		if err := wire.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			// Foreign publishers may share the channel namespace.
			continue
		}
		return &ev, nil
	}
}

func (s *eventStream) Close() error {
	if !s.stop() {
		// Already closed by cancellation.
		return nil
	}
	return s.ps.Close()
}

// classify maps Redis errors onto the bridge error kinds. Broken connections
// and failed dials are connectivity errors; read timeouts are not.
func classify(op string, err error) error {
	var opErr *net.OpError
	dialFailed := errors.As(err, &opErr) && opErr.Op == "dial"
	if dialFailed || (neterr.IsConnectionBroken(err) && !neterr.IsTimeout(err)) {
		return bridgeerrors.Wrap(bridgeerrors.Connectivity, op, err)
	}
	return bridgeerrors.Wrap(bridgeerrors.Application, op, err)
}
