package election

import (
	"context"
	"errors"
)

/*
Candidate side, Section 5.2 of the [Raft paper](https://raft.github.io/raft.pdf):
a candidate keeps its role until (a) it wins the election and becomes Leader, (b) another server proves a higher
term and it concedes to Follower, or (c) the candidacy times out without a winner and a new one starts at a higher
term. The candidate timer drives (c); handleVoteResponse drives (a) and (b).
*/

// runCandidate starts a new candidacy if the node is a Candidate whose previous candidacy (if any) has timed out.
func (n *Node) runCandidate() {
	var req *VoteRequest
	var targets []ServerID

	n.withState(func(st *consensusState) {
		if !n.candidateActive.Load() || st.getRole() != Candidate {
			return
		}
		now := n.cfg.Clock()
		if !st.candidacyDeadline.IsZero() && now.Before(st.candidacyDeadline) {
			return
		}
		// The self vote must be durable before any peer hears about the candidacy. On failure the next tick retries.
		if err := n.gate.persist(st.getCurrentTerm()+1, n.id); err != nil {
			n.cfg.Logger.Errorf("[ELECTION] [SERVER-%s] not starting a candidacy: %v", n.id, err)
			return
		}
		if st.electionStarted.IsZero() {
			st.electionStarted = now
		}

		term := st.incrementCurrentTerm()
		st.clearVotes()
		st.candidacyDeadline = now.Add(n.cfg.electionTimeout())
		for _, peer := range st.listPeers() {
			if peer.Self {
				st.setVotedFor(n.id)
				st.recordVote(n.id, true)
				continue
			}
			targets = append(targets, peer.ID)
		}
		req = &VoteRequest{ServerID: n.id, Term: term}
		n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] [TERM-%d] soliciting votes from %d peers", n.id, term, len(targets))

		// A single-server cluster is won by the self vote alone.
		n.tryBecomeLeader(st)
	})
	if req == nil {
		return
	}

	if n.cfg.Metrics != nil {
		n.cfg.Metrics.RecordElection()
	}
	for _, peer := range targets {
		peer := peer
		if n.cfg.Metrics != nil {
			n.cfg.Metrics.RecordRequestVote()
		}
		callAsync(n, func(ctx context.Context) (*VoteResponse, error) {
			return n.transport.RequestVote(ctx, peer, req)
		}, func(o outcome[VoteResponse]) {
			n.handleVoteOutcome(peer, o)
		})
	}
}

func (n *Node) handleVoteOutcome(peer ServerID, o outcome[VoteResponse]) {
	switch {
	case o.cancelled:
		return
	case o.err != nil:
		// An unreachable peer is "no vote received", not a rejection.
		n.cfg.Logger.Warnf("[ELECTION] [SERVER-%s] no vote from %s: %v", n.id, peer, o.err)
		return
	}
	n.handleVoteResponse(o.resp)
}

// handleVoteResponse applies one vote response in a single critical section: concede to a higher term, record the
// vote, and claim leadership once the granted votes form a majority.
func (n *Node) handleVoteResponse(resp *VoteResponse) {
	n.withState(func(st *consensusState) {
		localTerm := st.getCurrentTerm()
		if !resp.Granted && TermIsGreater(resp.Term, localTerm) {
			if err := n.gate.persist(resp.Term, resp.ServerID); err != nil {
				n.cfg.Logger.Errorf("[ELECTION] [SERVER-%s] not conceding to %s: %v", n.id, resp.ServerID, err)
				return
			}
			n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] following %s, local:remote term is %d:%d",
				n.id, resp.ServerID, localTerm, resp.Term)
			st.adoptTerm(resp.Term)
			st.setVotedFor(resp.ServerID)
			st.refreshHeartbeat(n.cfg.Clock())
			n.fireRole(st, Follower)
		}

		// Responses from an earlier candidacy carry an older term and must not count towards this one.
		if resp.Term != st.getCurrentTerm() {
			n.cfg.Logger.Debugf("[ELECTION] [SERVER-%s] ignoring stale vote from %s for term %d",
				n.id, resp.ServerID, resp.Term)
			return
		}
		st.recordVote(resp.ServerID, resp.Granted)

		if !resp.Granted {
			return
		}
		if n.cfg.Metrics != nil {
			n.cfg.Metrics.RecordVoteGranted()
		}
		n.tryBecomeLeader(st)
	})
}

// tryBecomeLeader promotes a Candidate holding a majority of granted votes. It must be called inside the gate. The
// role check makes the promotion happen once per winning candidacy.
func (n *Node) tryBecomeLeader(st *consensusState) {
	if st.getRole() != Candidate {
		return
	}
	granted := st.grantedVotes()
	if !HasMajority(granted, st.clusterSize()) {
		return
	}
	st.setVotedFor(n.id)
	n.fireRole(st, Leader)
	n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] [TERM-%d] elected leader with %d of %d votes",
		n.id, st.getCurrentTerm(), granted, st.clusterSize())
}

// RequestVote handles the RequestVote RPC from a candidate. A vote is granted only for a strictly higher term, and
// granting adopts that term, so at most one vote is granted per term.
func (n *Node) RequestVote(_ context.Context, req *VoteRequest) (*VoteResponse, error) {
	if req == nil {
		return nil, errors.New("nil vote request")
	}
	if !n.running.Load() {
		return nil, ErrNotRunning
	}

	resp := &VoteResponse{ServerID: n.id}
	if req.ServerID == n.id {
		n.cfg.Logger.Debugf("[ELECTION] [SERVER-%s] accepting vote request from self", n.id)
		resp.Term = n.Term()
		resp.Granted = true
		return resp, nil
	}

	n.withState(func(st *consensusState) {
		localTerm := st.getCurrentTerm()
		resp.Term = localTerm
		if TermIsGreater(req.Term, localTerm) {
			if err := n.gate.persist(req.Term, req.ServerID); err != nil {
				n.cfg.Logger.Errorf("[ELECTION] [SERVER-%s] withholding vote for %s: %v", n.id, req.ServerID, err)
				return
			}
			n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] granting vote to %s for term %d", n.id, req.ServerID, req.Term)
			st.adoptTerm(req.Term)
			st.setVotedFor(req.ServerID)
			st.refreshHeartbeat(n.cfg.Clock())
			n.fireRole(st, Follower)
			resp.Granted = true
		} else {
			n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] rejecting vote for %s, current term (%d) >= remote term (%d)",
				n.id, req.ServerID, localTerm, req.Term)
		}
		resp.Term = st.getCurrentTerm()
	})
	return resp, nil
}
