// Package pow verifies the proof-of-work nonce a client attaches to a store
// request when the node's current PoW difficulty (internal/supervisor) is
// nonzero. Grounded on the teacher's invite proof-of-work check
// (crypto/powad.go), a SHA3-256 leading-zero-bits scheme, generalized here
// from "invite ids" to the store request fields named in spec.md §6/§7.
package pow

import (
	"encoding/binary"

	"arqma-storage-server/internal/crypto"
)

const domainPrefix = "arqma-ss:pow:v1|"

// Check reports whether nonce solves the proof-of-work puzzle over
// (pubkeyHex, timestamp, ttl, data) at the given difficulty, expressed as a
// required number of leading zero bits in the SHA3-256 digest. A difficulty
// of zero always passes, matching the "store_test"-free fast path when the
// node reports zero current difficulty.
func Check(pubkeyHex string, timestampMs int64, ttlMs int64, data []byte, nonce uint64, difficultyBits uint8) bool {
	if difficultyBits == 0 {
		return true
	}
	digest := digest(pubkeyHex, timestampMs, ttlMs, data, nonce)
	return leadingZeroBits(digest) >= int(difficultyBits)
}

// Solve brute-forces a nonce satisfying Check. Used only by test helpers and
// the reference client tooling; the server side never calls this.
func Solve(pubkeyHex string, timestampMs int64, ttlMs int64, data []byte, difficultyBits uint8) (uint64, bool) {
	for nonce := uint64(0); nonce < ^uint64(0); nonce++ {
		if Check(pubkeyHex, timestampMs, ttlMs, data, nonce, difficultyBits) {
			return nonce, true
		}
	}
	return 0, false
}

func digest(pubkeyHex string, timestampMs int64, ttlMs int64, data []byte, nonce uint64) []byte {
	buf := make([]byte, 0, len(domainPrefix)+len(pubkeyHex)+8+8+len(data)+8)
	buf = append(buf, []byte(domainPrefix)...)
	buf = append(buf, []byte(pubkeyHex)...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(timestampMs))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(ttlMs))
	buf = append(buf, tmp[:]...)
	buf = append(buf, data...)
	binary.BigEndian.PutUint64(tmp[:], nonce)
	buf = append(buf, tmp[:]...)
	return crypto.SHA3_256(buf)
}

func leadingZeroBits(digest []byte) int {
	bits := 0
	for _, b := range digest {
		if b == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}
