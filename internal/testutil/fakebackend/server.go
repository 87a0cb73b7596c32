// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package fakebackend is an in-memory runtime service for tests. It serves
// over bufconn and can inject health-check outages and Unavailable errors.
package fakebackend

import (
	"context"
	"encoding/json"
	"net"
	"slices"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"rbridge/cli/internal/bridge/grpcclient"
	"rbridge/cli/internal/bridge/wire"
)

const bufSize = 1 << 20

// Method names accepted by FailNext and Calls.
const (
	ExecuteTask  = "ExecuteTask"
	GetState     = "GetState"
	SetState     = "SetState"
	DeleteState  = "DeleteState"
	PublishEvent = "PublishEvent"
	StreamEvents = "StreamEvents"
)

// TaskFunc computes the response to a task. The default echoes the input.
type TaskFunc func(*wire.TaskRequest) (*wire.TaskResponse, error)

// Server implements the runtime service and the health service.
type Server struct {
	healthpb.UnimplementedHealthServer

	lis *bufconn.Listener
	srv *grpc.Server

	mu           sync.Mutex
	down         bool
	healthDown   int
	healthChecks int
	injected     map[string]int
	calls        map[string]int
	sessions     map[string]int
	state        map[string]json.RawMessage
	tasks        []*wire.TaskRequest
	published    []*wire.Event
	streams      map[*subscriber]struct{}
	taskFunc     TaskFunc
}

type subscriber struct {
	filter []string
	events chan *wire.Event
	kill   chan error
	done   chan struct{}
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.filter) == 0 || slices.Contains(s.filter, eventType)
}

// Start serves a new backend until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		lis:      bufconn.Listen(bufSize),
		srv:      grpc.NewServer(),
		injected: make(map[string]int),
		calls:    make(map[string]int),
		sessions: make(map[string]int),
		state:    make(map[string]json.RawMessage),
		streams:  make(map[*subscriber]struct{}),
	}
	wire.RegisterRuntimeServer(s.srv, s)
	healthpb.RegisterHealthServer(s.srv, s)
	go func() { _ = s.srv.Serve(s.lis) }()
	t.Cleanup(s.srv.Stop)
	return s
}

// DialOptions route a grpc client to this server.
func (s *Server) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
	}
}

// Client returns a transport connected to this server.
func (s *Server) Client(opts ...grpcclient.Option) *grpcclient.Client {
	opts = append([]grpcclient.Option{grpcclient.WithDialOptions(s.DialOptions()...)}, opts...)
	return grpcclient.New("passthrough:///bufnet", opts...)
}

// SetDown makes every call and health check fail with Unavailable and ends
// open event streams.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
	if down {
		for sub := range s.streams {
			select {
			case sub.kill <- status.Error(codes.Unavailable, "backend down"):
			default:
			}
		}
	}
}

// FailHealth fails the next n health checks.
func (s *Server) FailHealth(n int) {
	s.mu.Lock()
	s.healthDown = n
	s.mu.Unlock()
}

// FailNext fails the next n calls of method with Unavailable.
func (s *Server) FailNext(method string, n int) {
	s.mu.Lock()
	s.injected[method] = n
	s.mu.Unlock()
}

// SetTaskFunc replaces the task handler.
func (s *Server) SetTaskFunc(fn TaskFunc) {
	s.mu.Lock()
	s.taskFunc = fn
	s.mu.Unlock()
}

// Calls returns how many times method was invoked, failed calls included.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// HealthChecks returns the number of health checks received.
func (s *Server) HealthChecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthChecks
}

// Sessions returns health checks received per session id.
func (s *Server) Sessions() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}

// Tasks returns every task request received, failed attempts included.
func (s *Server) Tasks() []*wire.TaskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// Published returns every event published by clients, failed attempts included.
func (s *Server) Published() []*wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.published)
}

// StreamFilters returns the event type filters of the open streams.
func (s *Server) StreamFilters() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, 0, len(s.streams))
	for sub := range s.streams {
		out = append(out, slices.Clone(sub.filter))
	}
	return out
}

// Emit delivers ev to every open stream whose filter matches and reports
// how many streams received it.
func (s *Server) Emit(ev *wire.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastLocked(ev)
}

func (s *Server) broadcastLocked(ev *wire.Event) int {
	n := 0
	for sub := range s.streams {
		if !sub.wants(ev.EventType) {
			continue
		}
		select {
		case sub.events <- ev:
			n++
		case <-sub.done:
		}
	}
	return n
}

func (s *Server) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	if s.down {
		return status.Error(codes.Unavailable, "backend down")
	}
	if s.injected[method] > 0 {
		s.injected[method]--
		return status.Error(codes.Unavailable, "injected outage")
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get(wire.MetadataSessionID)) == 0 {
		return status.Error(codes.InvalidArgument, "missing session id")
	}
	return nil
}

func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthChecks++
	if s.down {
		return nil, status.Error(codes.Unavailable, "backend down")
	}
	if s.healthDown > 0 {
		s.healthDown--
		return nil, status.Error(codes.Unavailable, "backend warming up")
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, id := range md.Get(wire.MetadataSessionID) {
			s.sessions[id]++
		}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (s *Server) ExecuteTask(ctx context.Context, req *wire.TaskRequest) (*wire.TaskResponse, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, req)
	fn := s.taskFunc
	s.mu.Unlock()
	if err := s.enter(ctx, ExecuteTask); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}
	return &wire.TaskResponse{
		TaskID:        req.TaskID,
		AgentID:       req.AgentID,
		Status:        "success",
		Output:        req.Input,
		ExecutionTime: 0.01,
		Metadata:      req.Metadata,
	}, nil
}

func (s *Server) GetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	if err := s.enter(ctx, GetState); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[req.Key]
	return &wire.StateResponse{Found: ok, Value: v}, nil
}

func (s *Server) SetState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	if err := s.enter(ctx, SetState); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[req.Key] = req.Value
	return &wire.StateResponse{Success: true}, nil
}

func (s *Server) DeleteState(ctx context.Context, req *wire.StateRequest) (*wire.StateResponse, error) {
	if err := s.enter(ctx, DeleteState); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state[req.Key]
	delete(s.state, req.Key)
	return &wire.StateResponse{Success: ok}, nil
}

// PublishEvent records ev and, unless a failure is injected, echoes it to
// matching streams.
func (s *Server) PublishEvent(ctx context.Context, ev *wire.Event) (*wire.PublishResponse, error) {
	s.mu.Lock()
	s.published = append(s.published, ev)
	s.mu.Unlock()
	if err := s.enter(ctx, PublishEvent); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(ev)
	return &wire.PublishResponse{Success: true}, nil
}

func (s *Server) StreamEvents(req *wire.StreamRequest, stream wire.EventSender) error {
	if err := s.enter(stream.Context(), StreamEvents); err != nil {
		return err
	}
	sub := &subscriber{
		filter: slices.Clone(req.EventTypes),
		events: make(chan *wire.Event, 1024),
		kill:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.streams[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		close(sub.done)
		s.mu.Lock()
		delete(s.streams, sub)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case err := <-sub.kill:
			return err
		case ev := <-sub.events:
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}
