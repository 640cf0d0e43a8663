package election

import (
	"runtime/debug"
	"time"
)

/*
Each role owns one self-rescheduling, one-shot timer. All three run for the whole life of the node; a timer whose
role is not the current one fires, finds its active flag down, and only reschedules itself. No timer is created or
destroyed after Start. Shutdown flips running to false, after which a firing timer returns without rescheduling.
*/

func (n *Node) armFollowerTimer() {
	// The heartbeat seen when the timer is armed. If a newer one arrives before the timer fires, a leader is alive.
	lastLeaderHeartbeat := n.LastHeartbeat()
	n.cfg.Scheduler.Schedule(n.cfg.electionTimeout(), func() {
		n.processFollowerTimer(lastLeaderHeartbeat)
	})
}

func (n *Node) processFollowerTimer(lastLeaderHeartbeat time.Time) {
	if !n.running.Load() {
		return
	}
	n.runSafely(Follower, func() {
		n.runFollower(lastLeaderHeartbeat)
	})
	n.armFollowerTimer()
}

// runFollower declares an election timeout unless a heartbeat was accepted after lastLeaderHeartbeat.
func (n *Node) runFollower(lastLeaderHeartbeat time.Time) {
	n.withState(func(st *consensusState) {
		if !n.followerActive.Load() {
			return
		}
		if st.getRole() != Follower {
			n.cfg.Logger.Debugf("[ELECTION] [SERVER-%s] follower timer fired while %s", n.id, st.getRole())
			return
		}
		if st.getLastHeartbeat().After(lastLeaderHeartbeat) {
			n.printLeader(st)
			return
		}
		n.cfg.Logger.Infof("[ELECTION] [SERVER-%s] [TERM-%d] election timeout expired, initiating an election",
			n.id, st.getCurrentTerm())
		n.fireRole(st, Candidate)
	})
}

func (n *Node) armCandidateTimer() {
	n.cfg.Scheduler.Schedule(n.cfg.CandidateInterval, n.processCandidateTimer)
}

func (n *Node) processCandidateTimer() {
	if !n.running.Load() {
		return
	}
	n.runSafely(Candidate, n.runCandidate)
	n.armCandidateTimer()
}

func (n *Node) armLeaderTimer() {
	n.cfg.Scheduler.Schedule(n.cfg.HeartbeatInterval, n.processLeaderTimer)
}

func (n *Node) processLeaderTimer() {
	if !n.running.Load() {
		return
	}
	n.runSafely(Leader, n.runLeader)
	n.armLeaderTimer()
}

// runSafely keeps one bad timer cycle from stopping the state machine: a panic is logged and the timer is
// rescheduled by the caller as usual.
func (n *Node) runSafely(role Role, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.cfg.Logger.Errorf("[ELECTION] [SERVER-%s] [%s] timer cycle failed: %v\n%s", n.id, role, r, debug.Stack())
		}
	}()
	fn()
}
