// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the runtime service name; also used for health checks.
const ServiceName = "rbridge.runtime.v1.Runtime"

// Full method names of the runtime service.
const (
	MethodExecuteTask  = "/" + ServiceName + "/ExecuteTask"
	MethodGetState     = "/" + ServiceName + "/GetState"
	MethodSetState     = "/" + ServiceName + "/SetState"
	MethodDeleteState  = "/" + ServiceName + "/DeleteState"
	MethodPublishEvent = "/" + ServiceName + "/PublishEvent"
	MethodStreamEvents = "/" + ServiceName + "/StreamEvents"
)

// MetadataSessionID is the gRPC metadata key carrying the bridge session id.
const MetadataSessionID = "x-session-id"

// StreamEventsDesc describes the server-streaming event subscription.
var StreamEventsDesc = grpc.StreamDesc{
	StreamName:    "StreamEvents",
	ServerStreams: true,
}

// RuntimeServer is the backend side of the runtime service.
type RuntimeServer interface {
	ExecuteTask(context.Context, *TaskRequest) (*TaskResponse, error)
	GetState(context.Context, *StateRequest) (*StateResponse, error)
	SetState(context.Context, *StateRequest) (*StateResponse, error)
	DeleteState(context.Context, *StateRequest) (*StateResponse, error)
	PublishEvent(context.Context, *Event) (*PublishResponse, error)
	StreamEvents(*StreamRequest, EventSender) error
}

// EventSender is the server half of the event stream.
type EventSender interface {
	Send(*Event) error
	Context() context.Context
}

// RegisterRuntimeServer registers srv on s under ServiceName.
func RegisterRuntimeServer(s grpc.ServiceRegistrar, srv RuntimeServer) {
	s.RegisterService(&runtimeServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](call func(RuntimeServer, context.Context, *Req) (*Resp, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RuntimeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RuntimeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type eventSender struct{ grpc.ServerStream }

func (s eventSender) Send(e *Event) error { return s.ServerStream.SendMsg(e) }

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RuntimeServer).StreamEvents(in, eventSender{stream})
}

var runtimeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuntimeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteTask", Handler: unaryHandler(RuntimeServer.ExecuteTask, MethodExecuteTask)},
		{MethodName: "GetState", Handler: unaryHandler(RuntimeServer.GetState, MethodGetState)},
		{MethodName: "SetState", Handler: unaryHandler(RuntimeServer.SetState, MethodSetState)},
		{MethodName: "DeleteState", Handler: unaryHandler(RuntimeServer.DeleteState, MethodDeleteState)},
		{MethodName: "PublishEvent", Handler: unaryHandler(RuntimeServer.PublishEvent, MethodPublishEvent)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "rbridge/runtime/v1/runtime.proto",
}
