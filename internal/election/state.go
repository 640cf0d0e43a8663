package election

import (
	"fmt"
	"sync"
	"time"
)

// consensusState is the mutable per-node record of the election protocol. It is only ever touched inside
// stateGate.withState, so its accessors take no locks of their own.
type consensusState struct {
	// The role of the server. A server starts as a Follower, as per Section 5.2 from the
	// [Raft paper](https://raft.github.io/raft.pdf).
	role Role
	// The latest term the server has seen. It increases monotonically and is never lowered.
	currentTerm uint64
	// The server this node voted for or conceded to in currentTerm. Empty when no vote was cast. Heartbeats are only
	// accepted from this server.
	votedFor ServerID
	// Monotonic clock reading of the most recently accepted heartbeat.
	lastHeartbeat time.Time
	// Fixed, ordered cluster membership, self included.
	peers []PeerInfo
	// Vote outcomes of the running candidacy keyed by voter. Cleared on every new candidacy.
	votes map[ServerID]bool

	// When the running candidacy gives up and a new one starts. Zero until the first candidacy of a Candidate stint.
	candidacyDeadline time.Time
	// When the first candidacy of the current Candidate stint started; used for election duration metrics.
	electionStarted time.Time

	// Last term/vote pair written to the stable store.
	persistedTerm uint64
	persistedVote ServerID
}

func (s *consensusState) getRole() Role {
	return s.role
}

func (s *consensusState) setRole(role Role) {
	s.role = role
}

func (s *consensusState) getCurrentTerm() uint64 {
	return s.currentTerm
}

func (s *consensusState) incrementCurrentTerm() uint64 {
	s.currentTerm++
	return s.currentTerm
}

// adoptTerm moves currentTerm forward to term. Older or equal terms are ignored so the term never decreases.
func (s *consensusState) adoptTerm(term uint64) bool {
	if !TermIsGreater(term, s.currentTerm) {
		return false
	}
	s.currentTerm = term
	return true
}

func (s *consensusState) getVotedFor() ServerID {
	return s.votedFor
}

func (s *consensusState) setVotedFor(id ServerID) {
	s.votedFor = id
}

func (s *consensusState) clearVotes() {
	s.votes = make(map[ServerID]bool, len(s.peers))
}

func (s *consensusState) recordVote(peer ServerID, granted bool) {
	if s.votes == nil {
		s.votes = make(map[ServerID]bool, len(s.peers))
	}
	s.votes[peer] = granted
}

// grantedVotes counts the granted votes of the running candidacy. The tally starts at zero; the self vote is counted
// because the candidate records it like any other vote.
func (s *consensusState) grantedVotes() int {
	granted := 0
	for _, peer := range s.peers {
		if s.votes[peer.ID] {
			granted++
		}
	}
	return granted
}

func (s *consensusState) getLastHeartbeat() time.Time {
	return s.lastHeartbeat
}

func (s *consensusState) refreshHeartbeat(now time.Time) {
	s.lastHeartbeat = now
}

func (s *consensusState) listPeers() []PeerInfo {
	return s.peers
}

func (s *consensusState) clusterSize() int {
	return len(s.peers)
}

func (s *consensusState) snapshot(id ServerID) Status {
	return Status{
		ID:            id,
		Role:          s.role,
		Term:          s.currentTerm,
		VotedFor:      s.votedFor,
		LastHeartbeat: s.lastHeartbeat,
	}
}

// stateGate is the single serialization point for consensusState. Critical sections never span a network call, but
// a section that changes the term or the vote also waits for the stable store write (an fsync with bbolt).
type stateGate struct {
	mu sync.Mutex
	st consensusState

	store  StableStore
	logger Logger
}

// withState runs fn with exclusive access to the consensus state. Any read used to make a decision and the writes
// that follow from it belong in the same call. A term or vote that fn changed without calling persist first is written
// to the stable store before the gate is released; a failure there is only logged and retried by the next section.
func (g *stateGate) withState(fn func(st *consensusState)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fn(&g.st)

	if err := g.persist(g.st.currentTerm, g.st.votedFor); err != nil {
		g.logger.Errorf("[ELECTION] %v", err)
	}
}

// persist writes term and votedFor to the stable store. It must be called inside withState and before the pair is
// applied: a caller that gets an error leaves the state as it was, so a vote is never announced before it is durable.
func (g *stateGate) persist(term uint64, votedFor ServerID) error {
	if g.store == nil {
		return nil
	}
	if term == g.st.persistedTerm && votedFor == g.st.persistedVote {
		return nil
	}
	if err := g.store.SetTermAndVote(term, votedFor); err != nil {
		return fmt.Errorf("failed to persist term %d and vote %q: %w", term, votedFor, err)
	}
	g.st.persistedTerm = term
	g.st.persistedVote = votedFor
	return nil
}
