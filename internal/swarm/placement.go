package swarm

import "encoding/hex"

// UserPubkey is an opaque, length-validated recipient id (spec §3
// UserPubkey). The current network fixes its hex length; both mainnet and
// stagenet use 64 hex chars (original_source/common/include/arqma_common.h's
// MAINNET_USER_PUBKEY_SIZE / STAGENET_USER_PUBKEY_SIZE, both 64).
type UserPubkey struct {
	hex string
	raw []byte
}

const UserPubkeyHexSize = 64

// ParseUserPubkey validates the hex length fixed by the network and decodes
// it. Invalid ones are rejected at the boundary per spec §3.
func ParseUserPubkey(s string) (UserPubkey, error) {
	if len(s) != UserPubkeyHexSize {
		return UserPubkey{}, ErrInvalidPubkeyLength
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return UserPubkey{}, ErrInvalidPubkeyHex
	}
	return UserPubkey{hex: s, raw: raw}, nil
}

func (u UserPubkey) String() string { return u.hex }
func (u UserPubkey) Bytes() []byte  { return u.raw }

var (
	ErrInvalidPubkeyLength = pubkeyError("swarm: invalid user pubkey length")
	ErrInvalidPubkeyHex    = pubkeyError("swarm: invalid user pubkey hex")
)

type pubkeyError string

func (e pubkeyError) Error() string { return string(e) }

// target reduces the pubkey to a 64-bit placement target. Per spec §4.1:
// parse as a big-endian unsigned integer after discarding the first byte
// (network tag), then reduce modulo 2^64 — equivalently the low 8 bytes of
// the remaining big-endian integer. This is the resolution of the Open
// Question in DESIGN.md: the raw pubkey bytes after the leading tag byte are
// interpreted directly (no hashing), with no additional network-tag byte
// reintroduced into the distance computation.
func target(pk UserPubkey) uint64 {
	raw := pk.Bytes()
	if len(raw) <= 1 {
		return 0
	}
	body := raw[1:] // discard network-tag byte
	var t uint64
	// low 8 bytes of the big-endian integer formed by body == the last
	// up-to-8 bytes of body, big-endian.
	n := len(body)
	start := 0
	if n > 8 {
		start = n - 8
	}
	for _, b := range body[start:] {
		t = (t << 8) | uint64(b)
	}
	return t
}

// wrapDistance is min(|a-b|, 2^64 - |a-b|) on the circular group of 64-bit
// integers (spec §4.1).
func wrapDistance(a, b uint64) uint64 {
	var diff uint64
	if a > b {
		diff = a - b
	} else {
		diff = b - a
	}
	alt := -diff // 2^64 - diff, computed via unsigned wraparound
	if alt < diff {
		return alt
	}
	return diff
}

// SwarmOf is the single authoritative placement function (spec §4.1):
// chooses the existing swarm whose id has the smallest wrap-around distance
// to the pubkey's target, breaking ties by the lexicographically (i.e.
// numerically, since ids are u64) smaller id. Returns InvalidSwarmID when
// the map is empty.
func SwarmOf(m Map, pk UserPubkey) uint64 {
	if len(m.Swarms) == 0 {
		return InvalidSwarmID
	}
	t := target(pk)
	best := m.Swarms[0].SwarmID
	bestDist := wrapDistance(best, t)
	for _, s := range m.Swarms[1:] {
		d := wrapDistance(s.SwarmID, t)
		if d < bestDist || (d == bestDist && s.SwarmID < best) {
			best = s.SwarmID
			bestDist = d
		}
	}
	return best
}

// IsPubkeyForUs reports whether pk's placement resolves to ourSwarmID
// (spec §4.1's is_pubkey_for_us).
func IsPubkeyForUs(m Map, pk UserPubkey, ourSwarmID uint64) bool {
	return SwarmOf(m, pk) == ourSwarmID
}
