package election

import (
	"context"
	"time"

	"land-election/internal/pubsub"
)

// ServerID is the id of a server in the cluster
type ServerID string

// ServerAddress is the network address (host:port) of a server
type ServerAddress string

// A Role is the part a server plays in the current term: follower, candidate or leader.
type Role uint64

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

const (
	// ServerShutDown is published once when the node stops. The payload is the node's ServerID.
	ServerShutDown pubsub.EventType = iota
	// RoleChanged is published after every role transition. The payload is a RoleChange.
	RoleChanged
)

// RoleChange travels with RoleChanged events so observers (e.g. a replication layer) can follow leadership.
type RoleChange struct {
	ID       ServerID
	From     Role
	To       Role
	Term     uint64
	VotedFor ServerID
}

// PeerInfo describes one member of the cluster. The local server appears in the peer list with Self set.
type PeerInfo struct {
	ID      ServerID
	Address ServerAddress
	Self    bool
}

// VoteRequest asks the receiver to vote for ServerID in Term.
type VoteRequest struct {
	ServerID ServerID
	Term     uint64
}

// VoteResponse carries the responder's id and its term after handling the request.
type VoteResponse struct {
	ServerID ServerID
	Term     uint64
	Granted  bool
}

// HeartbeatRequest asserts that ServerID is the leader of Term.
type HeartbeatRequest struct {
	ServerID ServerID
	Term     uint64
}

// HeartbeatResponse carries the responder's id and its term after handling the heartbeat.
type HeartbeatResponse struct {
	ServerID ServerID
	Term     uint64
	Accepted bool
}

// Status is a consistent snapshot of the consensus state, taken under the state gate.
type Status struct {
	ID            ServerID
	Role          Role
	Term          uint64
	VotedFor      ServerID
	LastHeartbeat time.Time
}

// Membership provides the fixed, ordered list of cluster members and the identity of the local server.
type Membership interface {
	Self() ServerID
	Peers() []PeerInfo
}

// Transport performs the two election RPCs against a peer. Implementations may block until ctx is done; the node
// always calls them from their own goroutine.
type Transport interface {
	RequestVote(ctx context.Context, peer ServerID, req *VoteRequest) (*VoteResponse, error)
	SendHeartbeat(ctx context.Context, peer ServerID, req *HeartbeatRequest) (*HeartbeatResponse, error)
}

// Scheduler runs fn once after delay. Timers reschedule themselves, so one-shot scheduling is enough.
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

// StableStore persists the term and vote so a restarted server never goes back to an older term.
type StableStore interface {
	CurrentTerm() (uint64, error)
	VotedFor() (ServerID, error)
	SetTermAndVote(term uint64, votedFor ServerID) error
	Close() error
}

// MetricsCollector is an optional interface for collecting election metrics
type MetricsCollector interface {
	RecordRequestVote()
	RecordVoteGranted()
	RecordHeartbeat()
	RecordHeartbeatFailure()
	RecordElection()
	RecordElectionWon(duration time.Duration)
	RecordRoleChange(from, to string)
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
