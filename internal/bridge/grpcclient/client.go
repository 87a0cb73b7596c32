// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package grpcclient provides the gRPC implementation of the bridge transport.
// Requests and the server-streaming event subscription are carried by the
// runtime service using the JSON wire codec; reachability is established with
// the standard grpc.health.v1 health check.
//
// Errors are classified for the bridge core: codes.Unavailable becomes a
// connectivity error (reconnect and retry once), everything else an
// application error. A clean end of the event stream is reported as io.EOF.
package grpcclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"rbridge/cli/internal/bridge/wire"
	bridgeerrors "rbridge/cli/internal/errors"
)

const defaultPort = "50051"

// Client implements the bridge transport over a single gRPC connection.
type Client struct {
	addr     string
	tls      bool
	token    string
	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Option configures a Client.
type Option func(*Client)

// WithTLS enables TLS using the host part of the address as server name.
func WithTLS(enabled bool) Option { return func(c *Client) { c.tls = enabled } }

// WithToken attaches "authorization: Bearer <token>" to every call.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithDialOptions appends raw dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// New returns a client for addr. No connection is made until Dial.
func New(addr string, opts ...Option) *Client {
	c := &Client{addr: addr}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the configured backend address.
func (c *Client) Address() string { return c.addr }

// Dial creates the client connection if there is none. grpc connects lazily,
// so reachability is only known after Check.
func (c *Client) Dial(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	// Derive SNI and ensure a port for plain host addresses.
	target := c.addr
	host := c.addr
	if !strings.Contains(c.addr, "://") {
		if h, _, err := net.SplitHostPort(c.addr); err == nil {
			host = h
		} else {
			target = net.JoinHostPort(c.addr, defaultPort)
		}
	}

	creds := insecure.NewCredentials()
	if c.tls {
		creds = credentials.NewTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, c.dialOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return bridgeerrors.Wrap(bridgeerrors.Connectivity, "dial "+c.addr, err)
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	return nil
}

// Close drops the connection; a later Dial creates a new one.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.health = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) client() (*grpc.ClientConn, healthpb.HealthClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, bridgeerrors.New(bridgeerrors.Connectivity, "not connected")
	}
	return c.conn, c.health, nil
}

func (c *Client) outgoing(ctx context.Context, sessionID string) context.Context {
	kv := []string{wire.MetadataSessionID, sessionID}
	if c.token != "" {
		kv = append(kv, "authorization", "Bearer "+c.token)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// Check runs the health check for the runtime service. A backend without the
// health service counts as reachable.
func (c *Client) Check(ctx context.Context, sessionID string) error {
	_, health, err := c.client()
	if err != nil {
		return err
	}
	resp, err := health.Check(c.outgoing(ctx, sessionID), &healthpb.HealthCheckRequest{Service: wire.ServiceName})
	if status.Code(err) == codes.Unimplemented {
		return nil
	}
	if err != nil {
		return bridgeerrors.Wrap(bridgeerrors.Connectivity, "health check", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return bridgeerrors.New(bridgeerrors.Connectivity, "backend reports "+resp.GetStatus().String())
	}
	return nil
}

func invoke[Req, Resp any](c *Client, ctx context.Context, method, sessionID, op string, req *Req) (*Resp, error) {
	conn, _, err := c.client()
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := conn.Invoke(c.outgoing(ctx, sessionID), method, req, resp, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return nil, classify(op, err)
	}
	return resp, nil
}

func (c *Client) ExecuteTask(ctx context.Context, req *wire.TaskRequest) (*wire.TaskResponse, error) {
	return invoke[wire.TaskRequest, wire.TaskResponse](c, ctx, wire.MethodExecuteTask, req.SessionID, "execute task", req)
}

func (c *Client) GetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	return invoke[wire.StateRequest, wire.StateResponse](c, ctx, wire.MethodGetState, req.SessionID, "get state", req)
}

func (c *Client) SetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	return invoke[wire.StateRequest, wire.StateResponse](c, ctx, wire.MethodSetState, req.SessionID, "set state", req)
}

func (c *Client) DeleteState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	return invoke[wire.StateRequest, wire.StateResponse](c, ctx, wire.MethodDeleteState, req.SessionID, "delete state", req)
}

func (c *Client) PublishEvent(ctx context.Context, ev *wire.Event) (*wire.PublishResponse, error) {
	return invoke[wire.Event, wire.PublishResponse](c, ctx, wire.MethodPublishEvent, ev.SessionID, "publish event", ev)
}

// StreamEvents opens the server stream. Cancelling ctx or calling Close on the
// returned stream unblocks Recv.
func (c *Client) StreamEvents(ctx context.Context, req *wire.StreamRequest) (wire.EventStream, error) {
	conn, _, err := c.client()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(c.outgoing(ctx, req.SessionID))
	cs, err := conn.NewStream(sctx, &wire.StreamEventsDesc, wire.MethodStreamEvents, grpc.CallContentSubtype(wire.CodecName))
	if err != nil {
		cancel()
		return nil, classify("open event stream", err)
	}
	stream := &grpc.GenericClientStream[wire.StreamRequest, wire.Event]{ClientStream: cs}
	if err := stream.Send(req); err != nil {
		cancel()
		return nil, classify("open event stream", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, classify("open event stream", err)
	}
	return &eventStream{stream: stream, cancel: cancel}, nil
}

type eventStream struct {
	stream *grpc.GenericClientStream[wire.StreamRequest, wire.Event]
	cancel context.CancelFunc
}

func (s *eventStream) Recv() (*wire.Event, error) {
	ev, err := s.stream.Recv()
	if err != nil {
		return nil, classify("receive event", err)
	}
	return ev, nil
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}

// classify maps a gRPC error onto the bridge error kinds.
func classify(op string, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if status.Code(err) == codes.Unavailable {
		return bridgeerrors.Wrap(bridgeerrors.Connectivity, op, err)
	}
	return bridgeerrors.Wrap(bridgeerrors.Application, op, err)
}
