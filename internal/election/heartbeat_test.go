package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"land-election/internal/election/mocks"
)

func TestLeaderHeartbeat(t *testing.T) {
	ids := []ServerID{"a", "b", "c"}

	t.Run("rejects a sender it did not vote for", func(t *testing.T) {
		b := newTestNode(t, "b", ids, newMemTransport(), nil)

		resp, err := b.LeaderHeartbeat(context.Background(), &HeartbeatRequest{ServerID: "a", Term: 1})
		require.NoError(t, err)
		assert.False(t, resp.Accepted)
		assert.Equal(t, uint64(0), resp.Term)
		assert.True(t, b.LastHeartbeat().IsZero())
		assert.Equal(t, uint64(0), b.Term(), "a rejected heartbeat never moves the term")
	})

	t.Run("accepts the server it voted for and adopts its term", func(t *testing.T) {
		b := newTestNode(t, "b", ids, newMemTransport(), nil)
		_, err := b.RequestVote(context.Background(), &VoteRequest{ServerID: "a", Term: 1})
		require.NoError(t, err)

		b.clock.Advance(20 * time.Millisecond)
		resp, err := b.LeaderHeartbeat(context.Background(), &HeartbeatRequest{ServerID: "a", Term: 3})
		require.NoError(t, err)
		assert.True(t, resp.Accepted)
		assert.Equal(t, uint64(3), resp.Term)
		assert.Equal(t, uint64(3), b.Term())
		assert.Equal(t, b.clock.Now(), b.LastHeartbeat())
	})

	t.Run("keeps the higher local term", func(t *testing.T) {
		b := newTestNode(t, "b", ids, newMemTransport(), nil)
		_, err := b.RequestVote(context.Background(), &VoteRequest{ServerID: "a", Term: 4})
		require.NoError(t, err)

		resp, err := b.LeaderHeartbeat(context.Background(), &HeartbeatRequest{ServerID: "a", Term: 2})
		require.NoError(t, err)
		assert.True(t, resp.Accepted)
		assert.Equal(t, uint64(4), resp.Term)
	})

	t.Run("fails before start", func(t *testing.T) {
		membership, err := NewStaticMembership("b", cluster(ids...))
		require.NoError(t, err)
		n, err := NewNode(testConfig(newFakeClock(), &manualScheduler{}), membership, newMemTransport(), nil)
		require.NoError(t, err)

		_, err = n.LeaderHeartbeat(context.Background(), &HeartbeatRequest{ServerID: "a", Term: 1})
		assert.ErrorIs(t, err, ErrNotRunning)
	})
}

func TestRunLeader(t *testing.T) {
	ids := []ServerID{"a", "b", "c"}

	t.Run("refreshes itself and reaches every follower", func(t *testing.T) {
		transport := newMemTransport()
		metrics := mocks.NewMockMetricsCollector()
		a := newTestNode(t, "a", ids, transport, func(cfg *Config) { cfg.Metrics = metrics })
		b := newTestNode(t, "b", ids, transport, nil)
		c := newTestNode(t, "c", ids, transport, nil)
		for _, follower := range []*testNode{b, c} {
			_, err := follower.RequestVote(context.Background(), &VoteRequest{ServerID: "a", Term: 2})
			require.NoError(t, err)
			follower.clock.Advance(time.Second)
		}
		a.becomeLeader(2)

		a.runLeader()

		assert.Equal(t, a.clock.Now(), a.LastHeartbeat())
		assert.Eventually(t, func() bool {
			return b.LastHeartbeat().Equal(b.clock.Now()) && c.LastHeartbeat().Equal(c.clock.Now())
		}, waitFor, tick)
		assert.Equal(t, int64(2), transport.heartbeatCalls.Load())
		assert.Equal(t, 2, metrics.Snapshot().HeartbeatCount)
		assert.Equal(t, 0, metrics.Snapshot().HeartbeatFailureCount)
	})

	t.Run("does not step down when followers are unreachable", func(t *testing.T) {
		transport := newMemTransport()
		transport.setDown("b", true)
		transport.setDown("c", true)
		metrics := mocks.NewMockMetricsCollector()
		a := newTestNode(t, "a", ids, transport, func(cfg *Config) { cfg.Metrics = metrics })
		a.becomeLeader(1)

		a.runLeader()

		assert.Eventually(t, func() bool { return metrics.Snapshot().HeartbeatFailureCount == 2 }, waitFor, tick)
		assert.Equal(t, Leader, a.Role())
		assert.Equal(t, uint64(1), a.Term())
	})

	t.Run("does not step down when a heartbeat is refused", func(t *testing.T) {
		transport := newMemTransport()
		for _, id := range []ServerID{"b", "c"} {
			id := id
			transport.onHeartbeat(id, func(req *HeartbeatRequest) (*HeartbeatResponse, error) {
				return &HeartbeatResponse{ServerID: id, Term: req.Term + 1}, nil
			})
		}
		a := newTestNode(t, "a", ids, transport, nil)
		a.becomeLeader(1)

		a.runLeader()

		assert.Eventually(t, func() bool { return transport.heartbeatCalls.Load() == 2 }, waitFor, tick)
		assert.Never(t, func() bool { return a.Role() != Leader }, 50*time.Millisecond, tick)
	})

	t.Run("is idle unless leading", func(t *testing.T) {
		transport := newMemTransport()
		a := newTestNode(t, "a", ids, transport, nil)

		a.runLeader()

		assert.Zero(t, transport.heartbeatCalls.Load())
		assert.True(t, a.LastHeartbeat().IsZero())
	})

	t.Run("rate limits the leader line", func(t *testing.T) {
		transport := newMemTransport()
		transport.setDown("b", true)
		transport.setDown("c", true)
		logger := &recordingLogger{}
		a := newTestNode(t, "a", ids, transport, func(cfg *Config) { cfg.Logger = logger })
		a.becomeLeader(1)

		a.runLeader()
		a.runLeader()
		a.clock.Advance(time.Second)
		a.runLeader()
		assert.Equal(t, 1, logger.count("leader is a"))

		a.clock.Advance(a.cfg.LeaderLogInterval)
		a.runLeader()
		assert.Equal(t, 2, logger.count("leader is a"))
	})
}
