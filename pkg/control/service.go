// Package control is the node's operator API: the commands the CLI driver
// issues against a running storage node, carried over gRPC.
//
// Messages are protobuf well-known types (Struct, StringValue, Empty) so the
// service needs no generated code and uses the default proto codec.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "overlay.control.v1.NodeControl"

const (
	methodAddFile    = "AddFile"
	methodLocalFiles = "LocalFiles"
	methodStorage    = "Storage"
	methodSendFile   = "SendFile"
	methodPeers      = "Peers"
	methodShutdown   = "Shutdown"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// NodeControlServer is implemented by Server.
type NodeControlServer interface {
	// AddFile takes {filename, path} and returns the new file id.
	AddFile(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	// LocalFiles returns {files: {file_id: filename}}.
	LocalFiles(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Storage returns {used_bytes, max_bytes}.
	Storage(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// SendFile takes {peer: "host:port", file_id}.
	SendFile(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// Peers returns {peers: {node_id: "host:port"}}.
	Peers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unary[Req proto.Message, Resp proto.Message](name string, newReq func() Req, call func(NodeControlServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(NodeControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodAddFile, newStruct, NodeControlServer.AddFile),
		unary(methodLocalFiles, newEmpty, NodeControlServer.LocalFiles),
		unary(methodStorage, newEmpty, NodeControlServer.Storage),
		unary(methodSendFile, newStruct, NodeControlServer.SendFile),
		unary(methodPeers, newEmpty, NodeControlServer.Peers),
		unary(methodShutdown, newEmpty, NodeControlServer.Shutdown),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overlay/control.proto",
}

func RegisterNodeControlServer(s grpc.ServiceRegistrar, srv NodeControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
