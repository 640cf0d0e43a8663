package election

import (
	"context"
	"errors"
)

// runLeader sends one round of heartbeats to assert the leader's authority. The leader's own heartbeat timestamp is
// refreshed directly.
func (n *Node) runLeader() {
	var req *HeartbeatRequest
	var targets []ServerID

	n.withState(func(st *consensusState) {
		if !n.leaderActive.Load() || st.getRole() != Leader {
			return
		}
		n.printLeader(st)
		for _, peer := range st.listPeers() {
			if peer.Self {
				st.refreshHeartbeat(n.cfg.Clock())
				continue
			}
			targets = append(targets, peer.ID)
		}
		req = &HeartbeatRequest{ServerID: n.id, Term: st.getCurrentTerm()}
	})
	if req == nil {
		return
	}

	for _, peer := range targets {
		peer := peer
		if n.cfg.Metrics != nil {
			n.cfg.Metrics.RecordHeartbeat()
		}
		callAsync(n, func(ctx context.Context) (*HeartbeatResponse, error) {
			return n.transport.SendHeartbeat(ctx, peer, req)
		}, func(o outcome[HeartbeatResponse]) {
			n.handleHeartbeatOutcome(peer, o)
		})
	}
}

// handleHeartbeatOutcome only reports. A leader does not step down because a heartbeat failed or was refused.
func (n *Node) handleHeartbeatOutcome(peer ServerID, o outcome[HeartbeatResponse]) {
	switch {
	case o.cancelled:
	case o.err != nil:
		if n.cfg.Metrics != nil {
			n.cfg.Metrics.RecordHeartbeatFailure()
		}
		n.cfg.Logger.Warnf("[ELECTION] [SERVER-%s] heartbeat to %s failed: %v", n.id, peer, o.err)
	case !o.resp.Accepted:
		n.cfg.Logger.Debugf("[ELECTION] [SERVER-%s] heartbeat refused by %s at term %d", n.id, peer, o.resp.Term)
	default:
		n.cfg.Logger.Debugf("[ELECTION] [SERVER-%s] heartbeat accepted by %s", n.id, peer)
	}
}

// LeaderHeartbeat handles a heartbeat from a leader. Only the server this node last voted for or conceded to is
// accepted as authority; its heartbeat refreshes the election timeout and may move the term forward.
func (n *Node) LeaderHeartbeat(_ context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if req == nil {
		return nil, errors.New("nil heartbeat request")
	}
	if !n.running.Load() {
		return nil, ErrNotRunning
	}

	resp := &HeartbeatResponse{ServerID: n.id}
	n.withState(func(st *consensusState) {
		if req.ServerID != st.getVotedFor() {
			n.cfg.Logger.Debugf("[ELECTION] [SERVER-%s] rejecting heartbeat from %s, voted for %q",
				n.id, req.ServerID, st.getVotedFor())
			resp.Term = st.getCurrentTerm()
			return
		}
		st.adoptTerm(req.Term)
		st.refreshHeartbeat(n.cfg.Clock())
		resp.Term = st.getCurrentTerm()
		resp.Accepted = true
	})
	return resp, nil
}
