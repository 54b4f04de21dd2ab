// Package gossip implements the Gossip Engine (spec §4.3): the
// peer-exchange loop that converges swarm siblings on the same message
// set, the bootstrap/salvage loop that moves data to a swarm's new owners
// on dissolution, and idempotent batch ingest. Grounded on the teacher's
// internal/daemon peer-exchange loop (ticker-driven, per-peer
// last-contact tracking, a package-level jittered rand source) adapted
// from its own gossip-cache/dedup scheme to spec.md's
// (recipient, hash)-keyed Message Store.
package gossip

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"arqma-storage-server/internal/clock"
	"arqma-storage-server/internal/logging"
	"arqma-storage-server/internal/metrics"
	"arqma-storage-server/internal/reachability"
	"arqma-storage-server/internal/store"
	"arqma-storage-server/internal/swarm"
	"arqma-storage-server/internal/wire"
)

// ExchangePeriod is the nominal peer-exchange loop period (spec §4.3:
// "period ~1s, jittered").
const ExchangePeriod = time.Second

// ExchangeJitter bounds the random delay added to each tick so siblings
// don't all exchange in lockstep.
const ExchangeJitter = 250 * time.Millisecond

// BootstrapFanout is the number of a new swarm's members salvage pushes
// target, chosen deterministically by lowest pubkey_legacy (spec §4.3).
const BootstrapFanout = 3

// Transport is the capability the Gossip Engine needs from the peer
// transport layer: send a push_batch to a peer and receive the peer's own
// delta batch in response (spec §4.3's coupled push/reply exchange).
// internal/transport supplies the concrete HTTPS-backed implementation.
type Transport interface {
	PushBatch(ctx context.Context, peer swarm.Peer, batch []byte) ([]byte, error)
}

type kind int

const (
	kindExchange kind = iota
	kindBootstrap
)

type inflightKey struct {
	peer [32]byte
	k    kind
}

// Engine drives both gossip loops for one node.
type Engine struct {
	self      swarm.Peer
	manager   *swarm.Manager
	directory *swarm.Directory
	store     *store.Store
	reach     *reachability.Tracker
	metrics   *metrics.Metrics
	log       *logging.Logger
	transport Transport
	clk       clock.Clock

	mu          sync.Mutex
	cursors     map[[32]byte]uint64    // per-sibling last-exchanged store sequence
	lastContact map[[32]byte]time.Time // per-sibling last successful (or attempted) contact
	inflight    map[inflightKey]struct{}

	randMu sync.Mutex
	rnd    *rand.Rand
}

// Deps bundles Engine's collaborators.
type Deps struct {
	Self      swarm.Peer
	Manager   *swarm.Manager
	Directory *swarm.Directory
	Store     *store.Store
	Reach     *reachability.Tracker
	Metrics   *metrics.Metrics
	Log       *logging.Logger
	Transport Transport
	Clock     clock.Clock
	Seed      int64
}

// New constructs an Engine from Deps.
func New(d Deps) *Engine {
	c := d.Clock
	if c == nil {
		c = clock.System{}
	}
	return &Engine{
		self:        d.Self,
		manager:     d.Manager,
		directory:   d.Directory,
		store:       d.Store,
		reach:       d.Reach,
		metrics:     d.Metrics,
		log:         d.Log,
		transport:   d.Transport,
		clk:         c,
		cursors:     make(map[[32]byte]uint64),
		lastContact: make(map[[32]byte]time.Time),
		inflight:    make(map[inflightKey]struct{}),
		rnd:         rand.New(rand.NewSource(d.Seed)),
	}
}

func (e *Engine) jitter() time.Duration {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return time.Duration(e.rnd.Int63n(int64(ExchangeJitter)))
}

func (e *Engine) tryAcquire(peer [32]byte, k kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := inflightKey{peer: peer, k: k}
	if _, ok := e.inflight[key]; ok {
		return false // at most one outbound request per (peer, kind); further attempts coalesce
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(peer [32]byte, k kind) {
	e.mu.Lock()
	delete(e.inflight, inflightKey{peer: peer, k: k})
	e.mu.Unlock()
}

// RunPeerExchangeLoop drives the peer-exchange loop until stop fires,
// ticking roughly every ExchangePeriod plus jitter.
func (e *Engine) RunPeerExchangeLoop(ctx context.Context, stop <-chan struct{}) {
	for {
		timer := e.clk.NewTimer(ExchangePeriod + e.jitter())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		e.exchangeTick(ctx)
	}
}

// exchangeTick picks the sibling with the oldest last-contact and
// exchanges one push_batch round with it.
func (e *Engine) exchangeTick(ctx context.Context) {
	siblings := e.manager.Siblings()
	if len(siblings) == 0 {
		return
	}
	peer := e.oldestContact(siblings)
	e.exchangeWith(ctx, peer)
}

func (e *Engine) oldestContact(siblings []swarm.Peer) swarm.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	best := siblings[0]
	bestTime, ok := e.lastContact[best.PubKeyLegacy]
	for _, p := range siblings[1:] {
		t, seen := e.lastContact[p.PubKeyLegacy]
		if ok && (!seen || t.Before(bestTime)) {
			best = p
			bestTime = t
			ok = seen
		}
	}
	return best
}

func (e *Engine) exchangeWith(ctx context.Context, peer swarm.Peer) {
	key := peer.PubKeyLegacy
	if !e.tryAcquire(key, kindExchange) {
		return
	}
	defer e.release(key, kindExchange)

	e.mu.Lock()
	cursor := e.cursors[key]
	e.mu.Unlock()

	msgs, maxSeq, err := e.store.SinceSeq(cursor)
	if err != nil {
		if e.log != nil {
			e.log.RateLimited("gossip-since-seq-err", time.Minute, "gossip: SinceSeq failed for %s: %v", peer.AddressB32Z(), err)
		}
		return
	}
	batch := wire.EncodeBatch(msgs)

	reply, err := e.transport.PushBatch(ctx, peer, batch)
	e.mu.Lock()
	e.lastContact[key] = e.clk.Now()
	e.mu.Unlock()
	if err != nil {
		e.reach.RecordUnreachable(peer.AddressB32Z())
		if e.metrics != nil {
			e.metrics.RecordEvent("gossip_exchange_failed", peer.AddressB32Z(), err.Error())
		}
		return
	}
	e.reach.Expire(peer.AddressB32Z())

	e.mu.Lock()
	e.cursors[key] = maxSeq
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncGossipPushSent()
		e.metrics.IncGossipBatchSent()
	}

	n, ingestErr := e.Ingest(reply)
	if ingestErr != nil && e.log != nil {
		e.log.RateLimited("gossip-ingest-err", time.Minute, "gossip: ingest from %s: %v", peer.AddressB32Z(), ingestErr)
	}
	_ = n
}

// Ingest decodes and applies a push_batch (spec §4.3's dedup/ingest rule):
// each message is validated for placement and inserted (duplicates silently
// dropped). An entry whose recipient does not parse is skipped on its own.
// A malformed frame stops decoding: the messages before it are still
// applied, the bytes after it are not decoded, and the decode error is
// returned. It returns the count of newly committed messages.
func (e *Engine) Ingest(batch []byte) (int, error) {
	msgs, decErr := wire.DecodeBatch(batch)
	committed := 0
	for _, msg := range msgs {
		pk, err := swarm.ParseUserPubkey(msg.Recipient)
		if err != nil {
			continue // malformed recipient: skip this entry only
		}
		if !swarm.IsPubkeyForUs(e.manager.Current(), pk, e.manager.OurSwarmID()) {
			continue // not addressed to a swarm we serve
		}
		outcome, storeErr := e.store.Store(msg)
		if storeErr != nil {
			continue
		}
		if outcome == store.Committed {
			committed++
			if e.metrics != nil {
				e.metrics.IncGossipPushReceived()
			}
		}
	}
	return committed, decErr
}

// RunBootstrap handles the bootstrap/salvage path for events produced by
// swarm.Manager.Apply (spec §4.2, §4.3): for each newly appeared swarm, a
// deterministic subset of its members receives a push_batch of whatever
// locally stored messages now belong to that swarm; on dissolution, every
// locally held message is re-keyed and salvage-pushed to its new owner.
func (e *Engine) RunBootstrap(ctx context.Context, events swarm.Events, currentMap swarm.Map) {
	if len(events.NewSwarms) == 0 && !events.Dissolved {
		return
	}
	byRecipient, err := e.store.AllForRecipients()
	if err != nil {
		if e.log != nil {
			e.log.RateLimited("gossip-bootstrap-err", time.Minute, "gossip: AllForRecipients failed: %v", err)
		}
		return
	}

	newSwarmSet := make(map[uint64]struct{}, len(events.NewSwarms))
	for _, id := range events.NewSwarms {
		newSwarmSet[id] = struct{}{}
	}

	for _, swarmID := range events.NewSwarms {
		info, ok := currentMap.SwarmByID(swarmID)
		if !ok {
			continue
		}
		targets := lowestPubkeyMembers(info.Members, BootstrapFanout)
		var salvage []wire.Message
		for recipient, msgs := range byRecipient {
			pk, err := swarm.ParseUserPubkey(recipient)
			if err != nil {
				continue
			}
			if swarm.SwarmOf(currentMap, pk) == swarmID {
				salvage = append(salvage, msgs...)
			}
		}
		if len(salvage) == 0 {
			continue
		}
		e.salvagePush(ctx, targets, salvage, currentMap)
	}

	if !events.Dissolved {
		return
	}

	// Our own swarm no longer exists: every message we still hold must be
	// re-keyed through Placement and handed to its new owner, even when
	// that owner is a pre-existing swarm rather than one of NewSwarms
	// (spec §4.2's dissolved-swarm salvage, scenario §8.5). Messages whose
	// new owner was already handled by the NewSwarms loop above are
	// skipped to avoid a redundant (if harmless, since ingest is
	// idempotent) second push.
	ourSwarm := e.manager.OurSwarmID()
	byNewOwner := make(map[uint64][]wire.Message)
	for recipient, msgs := range byRecipient {
		pk, err := swarm.ParseUserPubkey(recipient)
		if err != nil {
			continue
		}
		owner := swarm.SwarmOf(currentMap, pk)
		if owner == ourSwarm {
			continue
		}
		if _, already := newSwarmSet[owner]; already {
			continue
		}
		byNewOwner[owner] = append(byNewOwner[owner], msgs...)
	}
	for swarmID, msgs := range byNewOwner {
		info, ok := currentMap.SwarmByID(swarmID)
		if !ok {
			continue
		}
		targets := lowestPubkeyMembers(info.Members, BootstrapFanout)
		e.salvagePush(ctx, targets, msgs, currentMap)
	}
}

// salvagePush sends batch to targets and deletes local copies that are no
// longer ours once at least one target accepts (spec §4.3, §4.2).
func (e *Engine) salvagePush(ctx context.Context, targets []swarm.Peer, batch []wire.Message, currentMap swarm.Map) {
	encoded := wire.EncodeBatch(batch)
	delivered := false
	for _, target := range targets {
		key := target.PubKeyLegacy
		if !e.tryAcquire(key, kindBootstrap) {
			continue
		}
		_, err := e.transport.PushBatch(ctx, target, encoded)
		e.release(key, kindBootstrap)
		if err == nil {
			delivered = true
			if e.metrics != nil {
				e.metrics.IncGossipSalvageSent()
			}
		} else {
			e.reach.RecordUnreachable(target.AddressB32Z())
		}
	}
	if !delivered {
		return
	}
	ourSwarm := e.manager.OurSwarmID()
	for _, msg := range batch {
		pk, err := swarm.ParseUserPubkey(msg.Recipient)
		if err != nil {
			continue
		}
		if swarm.SwarmOf(currentMap, pk) != ourSwarm {
			_ = e.store.Delete(msg.Recipient, msg.Hash)
		}
	}
}

// lowestPubkeyMembers returns up to n members of members sorted by
// ascending PubKeyLegacy, the deterministic target-selection rule spec
// §4.3 specifies for bootstrap fanout.
func lowestPubkeyMembers(members []swarm.Peer, n int) []swarm.Peer {
	sorted := make([]swarm.Peer, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		for k := 0; k < 32; k++ {
			if sorted[i].PubKeyLegacy[k] != sorted[j].PubKeyLegacy[k] {
				return sorted[i].PubKeyLegacy[k] < sorted[j].PubKeyLegacy[k]
			}
		}
		return false
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
