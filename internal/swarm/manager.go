package swarm

// Events is the derived (never stored) description of a SwarmMap transition
// (spec §3 SwarmEvents, §4.2).
type Events struct {
	OurSwarmID       uint64
	Dissolved        bool
	NewSwarms        []uint64
	NewSnodes        []Peer
	OurSwarmMembers  []Peer
}

// DeriveEvents computes Events for the transition old -> new given our own
// peer identity, per spec §4.2. It does not mutate either map.
func DeriveEvents(old, new_ Map, self Peer) Events {
	oldSwarmID := ourSwarmID(old, self)
	newSwarmID := ourSwarmID(new_, self)

	ev := Events{OurSwarmID: newSwarmID}

	if oldSwarmID != InvalidSwarmID {
		if _, ok := new_.SwarmByID(oldSwarmID); !ok {
			ev.Dissolved = true
		}
	}

	for _, s := range new_.Swarms {
		if _, ok := old.SwarmByID(s.SwarmID); ok {
			continue
		}
		if s.SwarmID == newSwarmID {
			continue // we already hold our own current swarm's data
		}
		ev.NewSwarms = append(ev.NewSwarms, s.SwarmID)
	}

	var oldMembers []Peer
	if info, ok := old.SwarmByID(oldSwarmID); ok {
		oldMembers = info.Members
	}
	var newMembers []Peer
	if info, ok := new_.SwarmByID(newSwarmID); ok {
		newMembers = info.Members
		ev.OurSwarmMembers = newMembers
	}
	oldSet := make(map[[32]byte]struct{}, len(oldMembers))
	for _, p := range oldMembers {
		oldSet[p.PubKeyLegacy] = struct{}{}
	}
	for _, p := range newMembers {
		if _, ok := oldSet[p.PubKeyLegacy]; !ok {
			ev.NewSnodes = append(ev.NewSnodes, p)
		}
	}
	return ev
}

func ourSwarmID(m Map, self Peer) uint64 {
	for _, s := range m.Swarms {
		if s.Contains(self.PubKeyLegacy) {
			return s.SwarmID
		}
	}
	return InvalidSwarmID
}

// Manager holds the authoritative Map and applies transitions, updating the
// derived indexes used elsewhere in the node (all-funded-nodes, our
// siblings). It is mutated only from the primary event loop per spec §5.
type Manager struct {
	self    Peer
	current Map
}

func NewManager(self Peer) *Manager {
	return &Manager{self: self, current: Map{}}
}

// Current returns the authoritative map. Safe to call freely — maps are
// replaced atomically, never mutated in place (spec §5 copy-on-write).
func (mgr *Manager) Current() Map { return mgr.current }

// OurSwarmID returns our current swarm id, or InvalidSwarmID if we aren't
// placed in any swarm yet (AwaitingSwarm / Dissolved).
func (mgr *Manager) OurSwarmID() uint64 {
	return ourSwarmID(mgr.current, mgr.self)
}

// Siblings returns our swarm's members, excluding ourselves (swarm_peers_
// in spec §4.2's "Apply" step).
func (mgr *Manager) Siblings() []Peer {
	info, ok := mgr.current.SwarmByID(mgr.OurSwarmID())
	if !ok {
		return nil
	}
	out := make([]Peer, 0, len(info.Members))
	for _, p := range info.Members {
		if !p.Equal(mgr.self) {
			out = append(out, p)
		}
	}
	return out
}

// Apply replaces the authoritative map and returns the Events describing
// the transition, per spec §4.2's diff-then-apply contract.
func (mgr *Manager) Apply(new_ Map) Events {
	ev := DeriveEvents(mgr.current, new_, mgr.self)
	mgr.current = new_
	return ev
}
