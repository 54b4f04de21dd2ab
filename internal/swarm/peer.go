// Package swarm implements swarm-membership derivation, recipient→swarm
// placement, and the diffing engine that turns a daemon-delivered SwarmMap
// transition into a SwarmEvents description, per spec §2.2, §2.5, §2.6,
// §4.1, §4.2. Grounded on the struct layout of
// original_source/common/include/arqma_common.h's sn_record_t and
// original_source/httpserver/swarm.h's Swarm/SwarmInfo/SwarmEvents classes,
// with the map+mutex idiom of the teacher's internal/peer/store.go reused
// (without TTL pruning) for the Directory.
package swarm

import (
	"errors"

	"arqma-storage-server/internal/crypto"
)

// InvalidSwarmID is the reserved sentinel for "no swarm" (arqma_common.h's
// INVALID_SWARM_ID = UINT64_MAX).
const InvalidSwarmID uint64 = ^uint64(0)

// Peer is immutable after construction (spec §3 Peer).
type Peer struct {
	IP            string
	Port          uint16
	PubKeyLegacy  [32]byte
	PubKeyX25519  [32]byte
	PubKeyEd25519 [32]byte
}

var ErrInvalidPeer = errors.New("swarm: invalid peer")

// NewPeer validates and constructs a Peer. Port must be in [1, 65535].
func NewPeer(ip string, port uint16, legacy, x25519, ed25519 [32]byte) (Peer, error) {
	if ip == "" || port == 0 {
		return Peer{}, ErrInvalidPeer
	}
	return Peer{IP: ip, Port: port, PubKeyLegacy: legacy, PubKeyX25519: x25519, PubKeyEd25519: ed25519}, nil
}

// AddressB32Z is the 52-char base32z encoding of PubKeyLegacy with the
// ".snode" display suffix (spec §3, arqma_common.h).
func (p Peer) AddressB32Z() string {
	return crypto.SnodeAddress(p.PubKeyLegacy[:])
}

// Equal compares peers by PubKeyLegacy only, matching spec §3's "equality
// and hashing are by pubkey_legacy".
func (p Peer) Equal(other Peer) bool {
	return p.PubKeyLegacy == other.PubKeyLegacy
}

// Key returns PubKeyLegacy, the peer's identity as a comparable map key.
// Nothing in the module calls it: the Reachability Tracker is keyed by
// AddressB32Z and the Gossip Engine by PubKeyLegacy directly.
func (p Peer) Key() [32]byte { return p.PubKeyLegacy }
