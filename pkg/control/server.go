package control

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"time"

	"overlay/pkg/node"
	"overlay/pkg/storage"
	"overlay/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server exposes one storage node to the CLI driver.
type Server struct {
	node   *node.Node
	logger *zap.Logger
}

func NewServer(n *node.Node, logger *zap.Logger) *Server {
	return &Server{node: n, logger: logger}
}

// Serve listens on addr and serves until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listener)
}

func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	server := grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor))
	RegisterNodeControlServer(server, s)

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	s.logger.Info("Control server listening", zap.String("address", listener.Addr().String()))
	if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("Control request",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
		zap.Duration("duration", time.Since(start)))
	return resp, err
}

// toStatus maps node and storage errors onto gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, storage.ErrQuotaExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, storage.ErrFileNotFound), errors.Is(err, fs.ErrNotExist):
		code = codes.NotFound
	case errors.Is(err, storage.ErrInvalidFilename), errors.Is(err, node.ErrInvalidPeerAddress):
		code = codes.InvalidArgument
	case errors.Is(err, node.ErrPeerUnreachable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v.GetStringValue(), nil
}

func (s *Server) AddFile(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	filename, err := stringField(req, "filename")
	if err != nil {
		return nil, err
	}
	path, err := stringField(req, "path")
	if err != nil {
		return nil, err
	}

	id, err := s.node.AddFile(filename, path)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(string(id)), nil
}

func (s *Server) LocalFiles(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	files := make(map[string]interface{})
	for _, f := range s.node.Files() {
		files[string(f.ID)] = f.Filename
	}
	out, err := structpb.NewStruct(map[string]interface{}{"files": files})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Storage(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	used, quota := s.node.Usage()
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"used_bytes": structpb.NewNumberValue(float64(used)),
		"max_bytes":  structpb.NewNumberValue(float64(quota)),
	}}, nil
}

func (s *Server) SendFile(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	peer, err := stringField(req, "peer")
	if err != nil {
		return nil, err
	}
	fileID, err := stringField(req, "file_id")
	if err != nil {
		return nil, err
	}

	if err := s.node.SendFile(ctx, peer, types.FileID(fileID)); err != nil {
		s.logger.Warn("Send failed",
			zap.String("peer", peer),
			zap.String("file_id", fileID),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Peers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	peers := make(map[string]*structpb.Value)
	for id, addr := range s.node.Peers() {
		peers[string(id)] = structpb.NewStringValue(addr.String())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"peers": structpb.NewStructValue(&structpb.Struct{Fields: peers}),
	}}, nil
}

// Shutdown asks the hosting process to stop the node. The reply is sent
// before the process begins shutting down.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.node.RequestShutdown()
	return &emptypb.Empty{}, nil
}
