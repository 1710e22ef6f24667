// Package grpc provides the gRPC API of the trace table server.
//
// The service uses well-known protobuf types only, so it needs no generated
// code: LoadTrace takes the trace path as a StringValue and GetData streams
// the table as the little-endian int64 matrix in BytesValue chunks of whole
// rows. Table shape travels in response headers.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tracetab.v1.TraceService"

// Metadata keys.
const (
	MetaRequestID   = "x-request-id"
	MetaLoadID      = "x-load-id"
	MetaRows        = "x-table-rows"
	MetaWidth       = "x-table-width"
	MetaStop        = "x-load-stop"
	MetaFingerprint = "x-table-fingerprint"
	MetaWarning     = "x-load-warning"
)

// TraceServiceServer is the server API for the trace service.
type TraceServiceServer interface {
	// LoadTrace decodes the trace at the given path into the table.
	LoadTrace(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// GetData streams the loaded table.
	GetData(*emptypb.Empty, TraceService_GetDataServer) error
}

// TraceService_GetDataServer is the server side of the GetData stream.
type TraceService_GetDataServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type traceServiceGetDataServer struct {
	grpc.ServerStream
}

func (x *traceServiceGetDataServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterTraceServiceServer registers srv on s.
func RegisterTraceServiceServer(s grpc.ServiceRegistrar, srv TraceServiceServer) {
	s.RegisterService(&TraceServiceDesc, srv)
}

func loadTraceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TraceServiceServer).LoadTrace(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/LoadTrace",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TraceServiceServer).LoadTrace(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getDataHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TraceServiceServer).GetData(in, &traceServiceGetDataServer{stream})
}

// TraceServiceDesc is the grpc.ServiceDesc for the trace service.
var TraceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TraceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadTrace", Handler: loadTraceHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetData", Handler: getDataHandler, ServerStreams: true},
	},
	Metadata: "tracetab/v1/trace.proto",
}
