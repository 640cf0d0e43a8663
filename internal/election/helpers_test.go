package election

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualScheduler queues callbacks instead of running them, so tests decide when a timer fires.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

type scheduledTask struct {
	delay time.Duration
	fn    func()
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduledTask{delay: delay, fn: fn})
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// fireNext pops the oldest task and runs it on the calling goroutine.
func (s *manualScheduler) fireNext() time.Duration {
	s.mu.Lock()
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.mu.Unlock()
	task.fn()
	return task.delay
}

// fireDelay runs the oldest task scheduled with delay in [lo, hi]. It reports whether one was found.
func (s *manualScheduler) fireDelay(lo, hi time.Duration) bool {
	s.mu.Lock()
	for i, task := range s.tasks {
		if task.delay < lo || task.delay > hi {
			continue
		}
		s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
		s.mu.Unlock()
		task.fn()
		return true
	}
	s.mu.Unlock()
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memTransport delivers RPCs by calling the target node directly. Per-peer hooks replace the target node, and peers
// marked down fail every call.
type memTransport struct {
	mu         sync.RWMutex
	nodes      map[ServerID]*Node
	down       map[ServerID]bool
	voteHooks  map[ServerID]func(req *VoteRequest) (*VoteResponse, error)
	heartbeats map[ServerID]func(req *HeartbeatRequest) (*HeartbeatResponse, error)

	voteCalls      atomic.Int64
	heartbeatCalls atomic.Int64
}

func newMemTransport() *memTransport {
	return &memTransport{
		nodes:      make(map[ServerID]*Node),
		down:       make(map[ServerID]bool),
		voteHooks:  make(map[ServerID]func(req *VoteRequest) (*VoteResponse, error)),
		heartbeats: make(map[ServerID]func(req *HeartbeatRequest) (*HeartbeatResponse, error)),
	}
}

func (t *memTransport) register(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.ID()] = n
}

func (t *memTransport) setDown(id ServerID, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = down
}

func (t *memTransport) onVote(id ServerID, hook func(req *VoteRequest) (*VoteResponse, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.voteHooks[id] = hook
}

func (t *memTransport) onHeartbeat(id ServerID, hook func(req *HeartbeatRequest) (*HeartbeatResponse, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heartbeats[id] = hook
}

func (t *memTransport) RequestVote(ctx context.Context, peer ServerID, req *VoteRequest) (*VoteResponse, error) {
	t.voteCalls.Add(1)
	t.mu.RLock()
	down, hook, node := t.down[peer], t.voteHooks[peer], t.nodes[peer]
	t.mu.RUnlock()
	switch {
	case down:
		return nil, fmt.Errorf("peer %s unreachable", peer)
	case hook != nil:
		return hook(req)
	case node == nil:
		return nil, fmt.Errorf("peer %s not found", peer)
	}
	return node.RequestVote(ctx, req)
}

func (t *memTransport) SendHeartbeat(ctx context.Context, peer ServerID, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	t.heartbeatCalls.Add(1)
	t.mu.RLock()
	down, hook, node := t.down[peer], t.heartbeats[peer], t.nodes[peer]
	t.mu.RUnlock()
	switch {
	case down:
		return nil, fmt.Errorf("peer %s unreachable", peer)
	case hook != nil:
		return hook(req)
	case node == nil:
		return nil, fmt.Errorf("peer %s not found", peer)
	}
	return node.LeaderHeartbeat(ctx, req)
}

// memStore is an in-memory StableStore that counts writes.
type memStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor ServerID
	writes   int
	closed   int
	failNext error
}

func (s *memStore) CurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *memStore) VotedFor() (ServerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, nil
}

func (s *memStore) SetTermAndVote(term uint64, votedFor ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.term, s.votedFor = term, votedFor
	s.writes++
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	if s.closed > 1 {
		return errors.New("store already closed")
	}
	return nil
}

// recordingLogger keeps every Info line for assertions.
type recordingLogger struct {
	NopLogger
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type testNode struct {
	*Node
	scheduler *manualScheduler
	clock     *fakeClock
}

func testConfig(clock *fakeClock, scheduler Scheduler) *Config {
	cfg := DefaultConfig()
	cfg.Logger = NopLogger{}
	cfg.Clock = clock.Now
	cfg.Scheduler = scheduler
	// Distinct from HeartbeatInterval so a manual scheduler can tell the two timers apart.
	cfg.CandidateInterval = 40 * time.Millisecond
	return cfg
}

func cluster(ids ...ServerID) []PeerInfo {
	peers := make([]PeerInfo, 0, len(ids))
	for i, id := range ids {
		peers = append(peers, PeerInfo{ID: id, Address: ServerAddress(fmt.Sprintf("127.0.0.1:%d", 7001+i))})
	}
	return peers
}

// newTestNode builds and starts a node driven by a manual scheduler and a fake clock. None of its timers fire unless
// the test fires them.
func newTestNode(t *testing.T, self ServerID, ids []ServerID, transport Transport, tweak func(cfg *Config)) *testNode {
	t.Helper()

	clock := newFakeClock()
	scheduler := &manualScheduler{}
	cfg := testConfig(clock, scheduler)
	if tweak != nil {
		tweak(cfg)
	}

	membership, err := NewStaticMembership(self, cluster(ids...))
	require.NoError(t, err)
	n, err := NewNode(cfg, membership, transport, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Shutdown() })

	if mt, ok := transport.(*memTransport); ok {
		mt.register(n)
	}
	return &testNode{Node: n, scheduler: scheduler, clock: clock}
}

func (n *testNode) fireFollowerTimer() bool {
	return n.scheduler.fireDelay(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax)
}

func (n *testNode) fireCandidateTimer() bool {
	return n.scheduler.fireDelay(n.cfg.CandidateInterval, n.cfg.CandidateInterval)
}

func (n *testNode) fireLeaderTimer() bool {
	return n.scheduler.fireDelay(n.cfg.HeartbeatInterval, n.cfg.HeartbeatInterval)
}

// becomeCandidate forces the node into the Candidate role, as if its election timeout had expired.
func (n *testNode) becomeCandidate() {
	n.withState(func(st *consensusState) {
		n.fireRole(st, Candidate)
	})
}

// becomeLeader forces the node to lead term.
func (n *testNode) becomeLeader(term uint64) {
	n.withState(func(st *consensusState) {
		st.currentTerm = term
		st.setVotedFor(n.id)
		n.fireRole(st, Leader)
	})
}
