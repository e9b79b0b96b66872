// Package api exposes the sync engine over the daemon's control socket.
//
// The Control service is declared by hand on protobuf well-known types, so
// clients need no generated stubs: requests and responses are Empty,
// wrapper values or Struct documents.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "chatsync.v1.Control"

const watchMethod = "/" + ServiceName + "/Watch"

// ControlServer is the server API for the control service.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetView(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Open(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Close(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Send(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Retry(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	React(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Focus(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	Typing(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LoadOlder(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
	Reconcile(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
	// Watch streams bus events whose kind starts with the requested prefix.
	Watch(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ControlServiceDesc describes the control service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ControlServer.GetStatus),
		unary("GetView", ControlServer.GetView),
		unary("Open", ControlServer.Open),
		unary("Close", ControlServer.Close),
		unary("Send", ControlServer.Send),
		unary("Retry", ControlServer.Retry),
		unary("React", ControlServer.React),
		unary("Focus", ControlServer.Focus),
		unary("Typing", ControlServer.Typing),
		unary("LoadOlder", ControlServer.LoadOlder),
		unary("Reconcile", ControlServer.Reconcile),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

func unary[Req any, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}
