package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"land-election/internal/election"
)

// Server exposes an ElectionServer over gRPC.
type Server struct {
	grpcServer *grpc.Server
	logger     election.Logger
}

// NewServer registers handler on a new grpc.Server. Handler errors are mapped to gRPC status codes.
func NewServer(handler ElectionServer, logger election.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = election.NewStdLogger()
	}
	opts = append([]grpc.ServerOption{grpc.ConnectionTimeout(30 * time.Second)}, opts...)
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		logger:     logger,
	}
	RegisterElectionServer(s.grpcServer, statusServer{handler: handler})
	return s
}

// Serve accepts connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("[TRANSPORT] serving %s on %s", serviceName, lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop waits for pending RPCs to finish.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) Stop() {
	s.grpcServer.Stop()
}

type statusServer struct {
	handler ElectionServer
}

func (s statusServer) RequestVote(ctx context.Context, req *election.VoteRequest) (*election.VoteResponse, error) {
	resp, err := s.handler.RequestVote(ctx, req)
	return resp, toStatus(err)
}

func (s statusServer) LeaderHeartbeat(ctx context.Context, req *election.HeartbeatRequest) (*election.HeartbeatResponse, error) {
	resp, err := s.handler.LeaderHeartbeat(ctx, req)
	return resp, toStatus(err)
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, election.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
