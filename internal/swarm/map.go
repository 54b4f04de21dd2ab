package swarm

// SwarmInfo is one swarm's id and member set (spec §3 SwarmInfo).
type SwarmInfo struct {
	SwarmID uint64
	Members []Peer
}

// Contains reports whether pk (by PubKeyLegacy) is a member of this swarm.
func (s SwarmInfo) Contains(pk [32]byte) bool {
	for _, m := range s.Members {
		if m.PubKeyLegacy == pk {
			return true
		}
	}
	return false
}

// Map is an immutable snapshot of {swarm_id -> [peer]} plus the
// decommissioned set and chain status, delivered atomically by the daemon
// feed (spec §3 SwarmMap).
type Map struct {
	Swarms          []SwarmInfo
	Decommissioned  []Peer
	Height          uint64
	BlockHash       string
	Hardfork        int
}

// SwarmByID returns the SwarmInfo with the given id, if present.
func (m Map) SwarmByID(id uint64) (SwarmInfo, bool) {
	for _, s := range m.Swarms {
		if s.SwarmID == id {
			return s, true
		}
	}
	return SwarmInfo{}, false
}

// AllFundedNodes is the flat union of members across all swarms (spec
// §4.2's "all funded nodes" index). Incoming peer signatures are not
// checked against it; they go through the Peer Directory, which is built
// from OtherNodes. It excludes Decommissioned, mirroring
// swarm.h's split between is_fully_funded_node and other_nodes().
func (m Map) AllFundedNodes() []Peer {
	seen := make(map[[32]byte]struct{})
	var out []Peer
	for _, s := range m.Swarms {
		for _, p := range s.Members {
			if _, ok := seen[p.PubKeyLegacy]; ok {
				continue
			}
			seen[p.PubKeyLegacy] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// IsFullyFundedNode reports whether pk belongs to a currently-active swarm
// (not merely decommissioned). Decommissioned peers still authenticate
// (through the Peer Directory, which is built from OtherNodes) but are
// excluded from gossip targets; callers distinguishing the two should use
// this alongside OtherNodes.
func (m Map) IsFullyFundedNode(pk [32]byte) bool {
	for _, s := range m.Swarms {
		if s.Contains(pk) {
			return true
		}
	}
	return false
}

// OtherNodes returns every known peer — active swarm members plus
// decommissioned — used by the HTTP layer to resolve a signature's claimed
// sender regardless of decommission status (swarm.h's other_nodes()).
func (m Map) OtherNodes() []Peer {
	out := m.AllFundedNodes()
	out = append(out, m.Decommissioned...)
	return out
}

// GetNodeByPK finds a peer by PubKeyLegacy across active and decommissioned
// members (swarm.h's get_node_by_pk).
func (m Map) GetNodeByPK(pk [32]byte) (Peer, bool) {
	for _, p := range m.OtherNodes() {
		if p.PubKeyLegacy == pk {
			return p, true
		}
	}
	return Peer{}, false
}

// FindNodeByPort finds a peer by (ip, port) across active and
// decommissioned members (swarm.h's find_node_by_port).
func (m Map) FindNodeByPort(ip string, port uint16) (Peer, bool) {
	for _, p := range m.OtherNodes() {
		if p.IP == ip && p.Port == port {
			return p, true
		}
	}
	return Peer{}, false
}

// ChooseFundedNode deterministically selects a peer from a currently active
// swarm's membership, preferring the lexicographically smallest
// PubKeyLegacy, matching swarm.h's choose_funded_node tie-break used
// elsewhere in this package for bootstrap target selection.
func (m Map) ChooseFundedNode(swarmID uint64) (Peer, bool) {
	info, ok := m.SwarmByID(swarmID)
	if !ok || len(info.Members) == 0 {
		return Peer{}, false
	}
	best := info.Members[0]
	for _, p := range info.Members[1:] {
		if lessPubKey(p.PubKeyLegacy, best.PubKeyLegacy) {
			best = p
		}
	}
	return best, true
}

func lessPubKey(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
