package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the diagnostics service.
const ServiceName = "fpunwind.Diagnostics"

// Full method names, for clients.
const (
	BacktraceMethod     = "/" + ServiceName + "/Backtrace"
	SnapshotMethod      = "/" + ServiceName + "/Snapshot"
	RecordCrashMethod   = "/" + ServiceName + "/RecordCrash"
	CrashLogMethod      = "/" + ServiceName + "/CrashLog"
	ClearCrashLogMethod = "/" + ServiceName + "/ClearCrashLog"
)

// DiagnosticsServer is the server API for the diagnostics service. Requests
// and responses are free-form structs; the field names are documented on
// each method of Server.
type DiagnosticsServer interface {
	Backtrace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordCrash(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CrashLog(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ClearCrashLog(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterDiagnosticsServer registers srv with s.
func RegisterDiagnosticsServer(s grpc.ServiceRegistrar, srv DiagnosticsServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Backtrace",
			Handler:    unaryHandler(BacktraceMethod, DiagnosticsServer.Backtrace),
		},
		{
			MethodName: "Snapshot",
			Handler:    unaryHandler(SnapshotMethod, DiagnosticsServer.Snapshot),
		},
		{
			MethodName: "RecordCrash",
			Handler:    unaryHandler(RecordCrashMethod, DiagnosticsServer.RecordCrash),
		},
		{
			MethodName: "CrashLog",
			Handler:    unaryHandler(CrashLogMethod, DiagnosticsServer.CrashLog),
		},
		{
			MethodName: "ClearCrashLog",
			Handler:    unaryHandler(ClearCrashLogMethod, DiagnosticsServer.ClearCrashLog),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fpunwind/diagnostics.proto",
}

type methodHandler = func(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error)

// unaryHandler adapts a DiagnosticsServer method to the shape grpc expects
// of a unary handler.
func unaryHandler[Req, Resp any](
	fullMethod string, call func(DiagnosticsServer, context.Context, *Req) (*Resp, error),
) methodHandler {
	return func(
		srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
	) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DiagnosticsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DiagnosticsServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
