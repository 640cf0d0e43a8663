package election

import (
	"fmt"
)

// StaticMembership is a Membership whose peer list is fixed at construction time.
type StaticMembership struct {
	self  ServerID
	peers []PeerInfo
}

// NewStaticMembership builds a membership from the full cluster list. The entry whose id equals self is marked Self;
// exactly one such entry must exist.
func NewStaticMembership(self ServerID, cluster []PeerInfo) (*StaticMembership, error) {
	peers := make([]PeerInfo, 0, len(cluster))
	seen := make(map[ServerID]bool, len(cluster))
	found := false
	for _, p := range cluster {
		if p.ID == "" {
			return nil, fmt.Errorf("peer with address %q has an empty id", p.Address)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		p.Self = p.ID == self
		found = found || p.Self
		peers = append(peers, p)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q is not in the cluster", ErrUnknownSelf, self)
	}
	return &StaticMembership{self: self, peers: peers}, nil
}

func (m *StaticMembership) Self() ServerID {
	return m.self
}

// Peers returns a copy of the ordered peer list, self included.
func (m *StaticMembership) Peers() []PeerInfo {
	out := make([]PeerInfo, len(m.peers))
	copy(out, m.peers)
	return out
}
