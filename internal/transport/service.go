package transport

import (
	"context"

	"google.golang.org/grpc"

	"land-election/internal/election"
)

const (
	serviceName           = "land.election.ElectionService"
	requestVoteMethod     = "/" + serviceName + "/RequestVote"
	leaderHeartbeatMethod = "/" + serviceName + "/LeaderHeartbeat"
)

// ElectionServer answers the election RPCs. *election.Node implements it.
type ElectionServer interface {
	RequestVote(ctx context.Context, req *election.VoteRequest) (*election.VoteResponse, error)
	LeaderHeartbeat(ctx context.Context, req *election.HeartbeatRequest) (*election.HeartbeatResponse, error)
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(election.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ElectionServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: requestVoteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ElectionServer).RequestVote(ctx, req.(*election.VoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func leaderHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(election.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ElectionServer).LeaderHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: leaderHeartbeatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ElectionServer).LeaderHeartbeat(ctx, req.(*election.HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// electionServiceDesc is what protoc-gen-go-grpc would generate for the service; the messages travel through the
// landpb codec instead of generated protobuf types.
var electionServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ElectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "LeaderHeartbeat", Handler: leaderHeartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "land/election.proto",
}

// RegisterElectionServer registers srv on s.
func RegisterElectionServer(s grpc.ServiceRegistrar, srv ElectionServer) {
	s.RegisterService(&electionServiceDesc, srv)
}

// electionClient is the client half of the service.
type electionClient struct {
	cc grpc.ClientConnInterface
}

func newElectionClient(cc grpc.ClientConnInterface) *electionClient {
	return &electionClient{cc: cc}
}

func (c *electionClient) RequestVote(ctx context.Context, in *election.VoteRequest, opts ...grpc.CallOption) (*election.VoteResponse, error) {
	out := new(election.VoteResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, requestVoteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *electionClient) LeaderHeartbeat(ctx context.Context, in *election.HeartbeatRequest, opts ...grpc.CallOption) (*election.HeartbeatResponse, error) {
	out := new(election.HeartbeatResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, leaderHeartbeatMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
