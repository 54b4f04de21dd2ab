// Package tester implements the periodic Storage Test and Blockchain
// Test drivers (spec §4.7), seeded each block update by a deterministic
// PRNG derived from the block hash so every swarm member independently
// arrives at the same test target. Grounded on the teacher's
// package-level jittered math/rand source in internal/daemon/peer.go,
// generalized from scheduling jitter to deterministic peer/message
// selection.
package tester

import (
	"context"
	"encoding/hex"
	"math/rand"
	"time"

	"arqma-storage-server/internal/clock"
	"arqma-storage-server/internal/logging"
	"arqma-storage-server/internal/metrics"
	"arqma-storage-server/internal/reachability"
	"arqma-storage-server/internal/store"
	"arqma-storage-server/internal/swarm"
	"arqma-storage-server/internal/wire"
)

// Status values for a storage-test response (spec §6's
// /swarms/storage_test/v1 response shape).
const (
	StatusOK           = "OK"
	StatusRetry        = "retry"
	StatusWrongRequest = "wrong request"
	StatusOther        = "other"
)

// RetryInterval and RetryDeadline implement spec §4.7's storage-test
// retry rule: fixed 50ms retry for up to 60s, enforced as a wall-clock
// deadline rather than a fixed retry count (design note §9's resolution
// of the 1200-retry-vs-60s Open Question — 1200 is merely 60s/50ms,
// not an independently authoritative bound).
const (
	RetryInterval = 50 * time.Millisecond
	RetryDeadline = 60 * time.Second
)

// StorageTestResult is a peer's answer to {height, hash}.
type StorageTestResult struct {
	Status string
	Value  []byte
}

// Transport is the capability the Tester needs to reach a peer (the
// concrete implementation lives in internal/transport).
type Transport interface {
	StorageTest(ctx context.Context, peer swarm.Peer, height uint64, hash string) (StorageTestResult, error)
	BlockchainTest(ctx context.Context, peer swarm.Peer, maxHeight uint64, seed string) (resHeight uint64, err error)
}

// DaemonRPC is the subset of the daemon RPC client the responder side
// needs to confirm it has a reachable daemon (spec §4.7's blockchain
// test).
type DaemonRPC interface {
	GetBlockHash(ctx context.Context, height uint64) (string, error)
}

// SeedFromHash derives a deterministic PRNG seed from a block hash hex
// string, used so every node picks the identical test target (spec
// §4.7's "deterministic PRNG seeded by the block hash").
func SeedFromHash(blockHash string) int64 {
	raw, err := hex.DecodeString(blockHash)
	if err != nil || len(raw) < 8 {
		// Fall back to a stable, if degenerate, seed derived from the raw
		// string bytes so the function never panics on a malformed hash.
		var seed int64
		for i := 0; i < len(blockHash); i++ {
			seed = seed*31 + int64(blockHash[i])
		}
		return seed
	}
	var seed uint64
	for _, b := range raw[:8] {
		seed = (seed << 8) | uint64(b)
	}
	return int64(seed)
}

// Driver runs the requester side of both tests, seeded once per block
// update.
type Driver struct {
	self      swarm.Peer
	manager   *swarm.Manager
	store     *store.Store
	transport Transport
	reach     *reachability.Tracker
	metrics   *metrics.Metrics
	log       *logging.Logger
	clk       clock.Clock
}

// Deps bundles Driver's collaborators.
type Deps struct {
	Self      swarm.Peer
	Manager   *swarm.Manager
	Store     *store.Store
	Transport Transport
	Reach     *reachability.Tracker
	Metrics   *metrics.Metrics
	Log       *logging.Logger
	Clock     clock.Clock
}

func New(d Deps) *Driver {
	c := d.Clock
	if c == nil {
		c = clock.System{}
	}
	return &Driver{self: d.Self, manager: d.Manager, store: d.Store, transport: d.Transport, reach: d.Reach, metrics: d.Metrics, log: d.Log, clk: c}
}

// PickTarget derives this block update's storage-test target peer and
// message deterministically from blockHash: a PRNG seeded from the hash
// selects one sibling and one locally-held message (spec §4.7).
func (d *Driver) PickTarget(blockHash string) (peer swarm.Peer, msg wire.Message, ok bool) {
	siblings := d.manager.Siblings()
	if len(siblings) == 0 {
		return swarm.Peer{}, wire.Message{}, false
	}
	all, err := d.store.All()
	if err != nil || len(all) == 0 {
		return swarm.Peer{}, wire.Message{}, false
	}
	rnd := rand.New(rand.NewSource(SeedFromHash(blockHash)))
	peer = siblings[rnd.Intn(len(siblings))]
	msg = all[rnd.Intn(len(all))]
	return peer, msg, true
}

// RunStorageTest sends {height, hash} to peer, retrying on "retry" every
// RetryInterval until RetryDeadline elapses. It records success/failure
// against the Reachability Tracker: a transport failure, or an "other"
// after the deadline, counts as a failure; "retry" exhaustion alone does
// not (spec §4.7's asymmetric failure rule).
func (d *Driver) RunStorageTest(ctx context.Context, peer swarm.Peer, height uint64, hash string) (StorageTestResult, error) {
	deadline := d.clk.Now().Add(RetryDeadline)
	for {
		res, err := d.transport.StorageTest(ctx, peer, height, hash)
		if err != nil {
			d.reach.RecordUnreachable(peer.AddressB32Z())
			if d.metrics != nil {
				d.metrics.IncTesterStorageTestsFailed()
			}
			return StorageTestResult{}, err
		}
		switch res.Status {
		case StatusOK:
			d.reach.Expire(peer.AddressB32Z())
			if d.metrics != nil {
				d.metrics.IncTesterStorageTestsOK()
			}
			return res, nil
		case StatusRetry:
			if d.clk.Now().After(deadline) {
				if d.metrics != nil {
					d.metrics.IncTesterStorageTestsFailed()
				}
				return res, nil
			}
			timer := d.clk.NewTimer(RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return StorageTestResult{}, ctx.Err()
			case <-timer.C():
			}
		default: // StatusWrongRequest, StatusOther
			if d.clk.Now().After(deadline) {
				d.reach.RecordUnreachable(peer.AddressB32Z())
				if d.metrics != nil {
					d.metrics.IncTesterStorageTestsFailed()
				}
			}
			return res, nil
		}
	}
}

// RunBlockchainTest sends {max_height, seed} to peer to confirm it has a
// reachable daemon (spec §4.7).
func (d *Driver) RunBlockchainTest(ctx context.Context, peer swarm.Peer, maxHeight uint64, seed string) (uint64, error) {
	resHeight, err := d.transport.BlockchainTest(ctx, peer, maxHeight, seed)
	if err != nil {
		d.reach.RecordUnreachable(peer.AddressB32Z())
		return 0, err
	}
	d.reach.Expire(peer.AddressB32Z())
	return resHeight, nil
}

// DeriveTestHeight derives the deterministic block height ≤ maxHeight
// from seed, the responder-side half of the blockchain test (spec §4.7:
// "the peer derives a deterministic block height ≤ max_height from
// seed").
func DeriveTestHeight(maxHeight uint64, seed string) uint64 {
	if maxHeight == 0 {
		return 0
	}
	rnd := rand.New(rand.NewSource(SeedFromHash(seed)))
	return uint64(rnd.Int63n(int64(maxHeight) + 1))
}

// HandleStorageTestRequest answers an incoming /swarms/storage_test/v1
// request by looking up hash locally (spec §4.7's responder side).
func HandleStorageTestRequest(st *store.Store, hash string) StorageTestResult {
	msg, found, err := st.FindByHash(hash)
	if err != nil {
		return StorageTestResult{Status: StatusOther}
	}
	if !found {
		return StorageTestResult{Status: StatusRetry}
	}
	return StorageTestResult{Status: StatusOK, Value: msg.Data}
}

// HandleBlockchainTestRequest answers an incoming
// /swarms/blockchain_test/v1 request: derive the deterministic height and
// confirm the local daemon has that block.
func HandleBlockchainTestRequest(ctx context.Context, rpc DaemonRPC, maxHeight uint64, seed string) (resHeight uint64, err error) {
	height := DeriveTestHeight(maxHeight, seed)
	if _, err := rpc.GetBlockHash(ctx, height); err != nil {
		return 0, err
	}
	return height, nil
}
