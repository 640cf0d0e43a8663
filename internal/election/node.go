package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"land-election/internal/pubsub"
)

var (
	ErrAlreadyStarted = errors.New("election node already started")
	ErrNotRunning     = errors.New("election node is not running")
	ErrUnknownSelf    = errors.New("local server is not a cluster member")
)

// Node is one participant of the leader election. It owns the consensus state, runs the three role timers and
// answers the RequestVote and LeaderHeartbeat RPCs of its peers.
type Node struct {
	id        ServerID
	cfg       *Config
	transport Transport
	// pubSub is used to notify observers about role changes. Optional.
	pubSub *pubsub.PubSubClient

	gate stateGate

	// Events produced inside the gate, published after it is released. Guarded by gate.mu.
	pending []RoleChange
	// When the leader line was last logged. Guarded by gate.mu.
	lastLeaderLog time.Time

	// Active-role flags. Read without the gate as a fast path; every decision is re-validated under the gate.
	followerActive  atomic.Bool
	candidateActive atomic.Bool
	leaderActive    atomic.Bool

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once

	// ctx is the parent of every outbound RPC. It is cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates a Follower at the term found in cfg.Store (or term 0). The node does nothing until Start.
func NewNode(cfg *Config, membership Membership, transport Transport, pubSub *pubsub.PubSubClient) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if membership == nil || transport == nil {
		return nil, errors.New("election node needs a membership and a transport")
	}
	cfg = cfg.withDefaults()

	self := membership.Self()
	peers := membership.Peers()
	selfCount := 0
	for _, p := range peers {
		if p.Self {
			if p.ID != self {
				return nil, fmt.Errorf("%w: self flag set on %q, expected %q", ErrUnknownSelf, p.ID, self)
			}
			selfCount++
		}
	}
	if selfCount != 1 {
		return nil, fmt.Errorf("%w: %q appears %d times in the peer list", ErrUnknownSelf, self, selfCount)
	}

	var term uint64
	var votedFor ServerID
	if cfg.Store != nil {
		var termErr, voteErr error
		term, termErr = cfg.Store.CurrentTerm()
		votedFor, voteErr = cfg.Store.VotedFor()
		if err := multierr.Combine(termErr, voteErr); err != nil {
			return nil, fmt.Errorf("failed to load term and vote from stable store: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:        self,
		cfg:       cfg,
		transport: transport,
		pubSub:    pubSub,
		gate: stateGate{
			st: consensusState{
				role:          Follower,
				currentTerm:   term,
				votedFor:      votedFor,
				peers:         peers,
				persistedTerm: term,
				persistedVote: votedFor,
			},
			store:  cfg.Store,
			logger: cfg.Logger,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	return n, nil
}

// ID returns the id of the local server.
func (n *Node) ID() ServerID {
	return n.id
}

// Start enters the Follower role and arms the follower, candidate and leader timers. The timers run until Shutdown.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	n.running.Store(true)

	var term uint64
	var size int
	n.withState(func(st *consensusState) {
		n.fireRole(st, Follower)
		term = st.getCurrentTerm()
		size = st.clusterSize()
	})
	n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] [TERM-%d] started in a cluster of %d", n.id, term, size)

	n.armFollowerTimer()
	n.armCandidateTimer()
	n.armLeaderTimer()
	return nil
}

// Shutdown stops the node. Timers that are already armed fire once more and exit; in-flight RPCs are cancelled.
// Shutdown is idempotent; only the first call closes the stable store.
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		n.running.Store(false)
		n.followerActive.Store(false)
		n.candidateActive.Store(false)
		n.leaderActive.Store(false)
		n.cancel()

		n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] shutting down", n.id)
		if n.pubSub != nil {
			pubsub.Publish(n.pubSub, pubsub.NewEvent(ServerShutDown, n.id))
		}
		if n.cfg.Store != nil {
			// Take the gate so no critical section writes to a closed store.
			n.gate.mu.Lock()
			err = multierr.Append(err, n.cfg.Store.Close())
			n.gate.store = nil
			n.gate.mu.Unlock()
		}
	})
	return err
}

// withState runs fn under the state gate and publishes the role changes fn produced once the gate is released.
func (n *Node) withState(fn func(st *consensusState)) {
	var events []RoleChange
	n.gate.withState(func(st *consensusState) {
		fn(st)
		events = n.pending
		n.pending = nil
	})
	if n.pubSub == nil {
		return
	}
	for _, ev := range events {
		pubsub.Publish(n.pubSub, pubsub.NewEvent(RoleChanged, ev))
	}
}

// fireRole switches the node to role. It must be called inside the gate. The active flags are updated before fireRole
// returns, so the next timer firing already sees the new role.
func (n *Node) fireRole(st *consensusState, role Role) {
	from := st.getRole()
	st.setRole(role)

	switch {
	case role == Candidate && from != Candidate:
		st.candidacyDeadline = time.Time{}
		st.electionStarted = time.Time{}
	case role == Leader && from == Candidate:
		if n.cfg.Metrics != nil && !st.electionStarted.IsZero() {
			n.cfg.Metrics.RecordElectionWon(n.cfg.Clock().Sub(st.electionStarted))
		}
	}

	n.onRoleChanged(role)

	if n.cfg.Metrics != nil && from != role {
		n.cfg.Metrics.RecordRoleChange(from.String(), role.String())
	}
	n.pending = append(n.pending, RoleChange{
		ID:       n.id,
		From:     from,
		To:       role,
		Term:     st.getCurrentTerm(),
		VotedFor: st.getVotedFor(),
	})
}

// onRoleChanged resets every active flag and raises the one matching role.
func (n *Node) onRoleChanged(role Role) {
	n.followerActive.Store(false)
	n.candidateActive.Store(false)
	n.leaderActive.Store(false)

	if !n.running.Load() {
		return
	}
	n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] switchTo -> %s", n.id, role)
	switch role {
	case Follower:
		n.followerActive.Store(true)
	case Candidate:
		n.candidateActive.Store(true)
	case Leader:
		n.leaderActive.Store(true)
	}
}

// printLeader logs the current leader at most once per LeaderLogInterval. It must be called inside the gate.
func (n *Node) printLeader(st *consensusState) {
	now := n.cfg.Clock()
	if !n.lastLeaderLog.IsZero() && now.Sub(n.lastLeaderLog) < n.cfg.LeaderLogInterval {
		return
	}
	n.lastLeaderLog = now
	n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] leader is %s, term is %d", n.id, st.getVotedFor(), st.getCurrentTerm())
}

// Status returns a consistent snapshot of role, term, vote and last heartbeat.
func (n *Node) Status() Status {
	var status Status
	n.withState(func(st *consensusState) {
		status = st.snapshot(n.id)
	})
	return status
}

func (n *Node) Role() Role {
	return n.Status().Role
}

func (n *Node) Term() uint64 {
	return n.Status().Term
}

func (n *Node) VotedFor() ServerID {
	return n.Status().VotedFor
}

func (n *Node) LastHeartbeat() time.Time {
	return n.Status().LastHeartbeat
}

// Leader returns the server this node currently recognizes as leader: itself when it is the Leader, or the server it
// voted for while that server's heartbeats keep arriving within the maximum election timeout.
func (n *Node) Leader() (ServerID, bool) {
	status := n.Status()
	switch {
	case status.Role == Leader:
		return n.id, true
	case status.Role == Follower && status.VotedFor != "" && !status.LastHeartbeat.IsZero() &&
		n.cfg.Clock().Sub(status.LastHeartbeat) < n.cfg.ElectionTimeoutMax:
		return status.VotedFor, true
	default:
		return "", false
	}
}
