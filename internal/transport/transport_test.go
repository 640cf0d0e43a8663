package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"land-election/internal/election"
)

// bufNet is an in-memory network of bufconn listeners keyed by address.
type bufNet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newBufNet() *bufNet {
	return &bufNet{listeners: make(map[string]*bufconn.Listener)}
}

func (n *bufNet) listen(addr string) *bufconn.Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	lis := bufconn.Listen(1 << 20)
	n.listeners[addr] = lis
	return lis
}

func (n *bufNet) dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	lis, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener at %s", addr)
	}
	return lis.DialContext(ctx)
}

type mockElectionServer struct {
	mock.Mock
}

func (m *mockElectionServer) RequestVote(ctx context.Context, req *election.VoteRequest) (*election.VoteResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*election.VoteResponse)
	return resp, args.Error(1)
}

func (m *mockElectionServer) LeaderHeartbeat(ctx context.Context, req *election.HeartbeatRequest) (*election.HeartbeatResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*election.HeartbeatResponse)
	return resp, args.Error(1)
}

func startServer(t *testing.T, network *bufNet, addr string, handler ElectionServer) {
	t.Helper()
	lis := network.listen(addr)
	srv := NewServer(handler, election.NopLogger{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
}

func newTestTransport(t *testing.T, network *bufNet, self election.ServerID, peers []election.PeerInfo) *Transport {
	t.Helper()
	tr, err := NewTransport(self, peers, Options{
		RPCTimeout:  time.Second,
		Logger:      election.NopLogger{},
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(network.dial)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.CloseAllClients() })
	return tr
}

func twoPeers() []election.PeerInfo {
	return []election.PeerInfo{
		{ID: "a", Address: "bufnet-a"},
		{ID: "b", Address: "bufnet-b"},
	}
}

func TestTransport_RequestVote(t *testing.T) {
	network := newBufNet()
	handler := &mockElectionServer{}
	startServer(t, network, "bufnet-b", handler)
	tr := newTestTransport(t, network, "a", twoPeers())

	t.Run("round trip", func(t *testing.T) {
		req := &election.VoteRequest{ServerID: "a", Term: 3}
		handler.On("RequestVote", mock.Anything, req).
			Return(&election.VoteResponse{ServerID: "b", Term: 3, Granted: true}, nil).Once()

		resp, err := tr.RequestVote(context.Background(), "b", req)
		require.NoError(t, err)
		assert.Equal(t, &election.VoteResponse{ServerID: "b", Term: 3, Granted: true}, resp)
	})

	t.Run("retries failed attempts", func(t *testing.T) {
		req := &election.VoteRequest{ServerID: "a", Term: 4}
		handler.On("RequestVote", mock.Anything, req).Return(nil, errors.New("busy")).Twice()
		handler.On("RequestVote", mock.Anything, req).
			Return(&election.VoteResponse{ServerID: "b", Term: 4}, nil).Once()

		resp, err := tr.RequestVote(context.Background(), "b", req)
		require.NoError(t, err)
		assert.False(t, resp.Granted)
		assert.Equal(t, uint64(4), resp.Term)
	})

	t.Run("gives up after the last attempt", func(t *testing.T) {
		req := &election.VoteRequest{ServerID: "a", Term: 5}
		handler.On("RequestVote", mock.Anything, req).Return(nil, errors.New("busy")).Times(MaxRequestVoteRetries)

		_, err := tr.RequestVote(context.Background(), "b", req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("stops retrying when the caller gives up", func(t *testing.T) {
		req := &election.VoteRequest{ServerID: "a", Term: 6}
		ctx, cancel := context.WithCancel(context.Background())
		handler.On("RequestVote", mock.Anything, req).Run(func(mock.Arguments) { cancel() }).
			Return(nil, errors.New("busy")).Once()

		_, err := tr.RequestVote(ctx, "b", req)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("unknown peer", func(t *testing.T) {
		_, err := tr.RequestVote(context.Background(), "z", &election.VoteRequest{ServerID: "a", Term: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestTransport_SendHeartbeat(t *testing.T) {
	network := newBufNet()
	handler := &mockElectionServer{}
	startServer(t, network, "bufnet-b", handler)
	tr := newTestTransport(t, network, "a", twoPeers())

	t.Run("round trip", func(t *testing.T) {
		req := &election.HeartbeatRequest{ServerID: "a", Term: 2}
		handler.On("LeaderHeartbeat", mock.Anything, req).
			Return(&election.HeartbeatResponse{ServerID: "b", Term: 2, Accepted: true}, nil).Once()

		resp, err := tr.SendHeartbeat(context.Background(), "b", req)
		require.NoError(t, err)
		assert.Equal(t, &election.HeartbeatResponse{ServerID: "b", Term: 2, Accepted: true}, resp)
	})

	t.Run("is not retried", func(t *testing.T) {
		req := &election.HeartbeatRequest{ServerID: "a", Term: 3}
		handler.On("LeaderHeartbeat", mock.Anything, req).Return(nil, errors.New("busy")).Once()

		_, err := tr.SendHeartbeat(context.Background(), "b", req)
		require.Error(t, err)
		handler.AssertExpectations(t)
	})

	t.Run("a stopped node is unavailable", func(t *testing.T) {
		req := &election.HeartbeatRequest{ServerID: "a", Term: 4}
		handler.On("LeaderHeartbeat", mock.Anything, req).Return(nil, election.ErrNotRunning).Once()

		_, err := tr.SendHeartbeat(context.Background(), "b", req)
		require.Error(t, err)
		assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
	})
}

func TestTransport_Peers(t *testing.T) {
	network := newBufNet()
	handler := &mockElectionServer{}
	handler.On("LeaderHeartbeat", mock.Anything, mock.Anything).
		Return(&election.HeartbeatResponse{ServerID: "c", Term: 1}, nil)
	startServer(t, network, "bufnet-c", handler)
	tr := newTestTransport(t, network, "a", twoPeers())

	t.Run("skips self", func(t *testing.T) {
		_, err := tr.getClientConn("a")
		assert.Error(t, err)
		_, err = tr.getClientConn("b")
		assert.NoError(t, err)
	})

	t.Run("adds a peer", func(t *testing.T) {
		require.NoError(t, tr.AddPeer("c", "bufnet-c"))
		require.NoError(t, tr.AddPeer("c", "bufnet-c"), "adding twice is a no-op")

		resp, err := tr.SendHeartbeat(context.Background(), "c", &election.HeartbeatRequest{ServerID: "a", Term: 1})
		require.NoError(t, err)
		assert.Equal(t, election.ServerID("c"), resp.ServerID)
	})

	t.Run("closes every connection", func(t *testing.T) {
		require.NoError(t, tr.CloseAllClients())
		_, err := tr.getClientConn("b")
		assert.Error(t, err)
	})
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, backoff(0))
	assert.Equal(t, 20*time.Millisecond, backoff(1))
	assert.Equal(t, MaxRetryBackoff, backoff(50))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"not running", fmt.Errorf("wrapped: %w", election.ErrNotRunning), codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}

// Three election nodes talking over gRPC agree on one leader.
func TestTransport_ElectsLeaderOverGRPC(t *testing.T) {
	if testing.Short() {
		t.Skip("runs on wall-clock timers")
	}
	network := newBufNet()
	peers := []election.PeerInfo{
		{ID: "a", Address: "bufnet-a"},
		{ID: "b", Address: "bufnet-b"},
		{ID: "c", Address: "bufnet-c"},
	}

	var nodes []*election.Node
	for _, p := range peers {
		tr := newTestTransport(t, network, p.ID, peers)
		membership, err := election.NewStaticMembership(p.ID, peers)
		require.NoError(t, err)
		cfg := election.DefaultConfig()
		cfg.Logger = election.NopLogger{}
		node, err := election.NewNode(cfg, membership, tr, nil)
		require.NoError(t, err)
		startServer(t, network, string(p.Address), node)
		t.Cleanup(func() { _ = node.Shutdown() })
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		require.NoError(t, node.Start())
	}

	var leader *election.Node
	require.Eventually(t, func() bool {
		leader = nil
		count := 0
		for _, node := range nodes {
			if node.Role() == election.Leader {
				leader = node
				count++
			}
		}
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	term := leader.Term()
	assert.Eventually(t, func() bool {
		for _, node := range nodes {
			if node == leader {
				continue
			}
			status := node.Status()
			if status.Role != election.Follower || status.VotedFor != leader.ID() || status.Term != term {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
