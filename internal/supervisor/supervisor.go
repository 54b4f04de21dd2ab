// Package supervisor implements the Node Supervisor (spec §2.11, §4.8):
// the state machine that owns every other engine (Swarm Manager, Message
// Store, Gossip Engine, Tester, Reachability Tracker, Long-Poll Registry)
// and answers the capability interface internal/httpapi's Router dispatches
// against. Grounded on original_source/httpserver/service_node.cpp's
// init_storage_server (keypair fetch, then swarm map fetch, then the
// periodic block-update loop feeding every other subsystem) and on the
// teacher's own top-level wiring in cmd/web4-node/main.go, generalized from
// a single-process CLI into a long-running service's lifecycle.
package supervisor

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"arqma-storage-server/internal/clock"
	"arqma-storage-server/internal/crypto"
	"arqma-storage-server/internal/daemonrpc"
	"arqma-storage-server/internal/gossip"
	"arqma-storage-server/internal/httpapi"
	"arqma-storage-server/internal/logging"
	"arqma-storage-server/internal/longpoll"
	"arqma-storage-server/internal/metrics"
	"arqma-storage-server/internal/reachability"
	"arqma-storage-server/internal/store"
	"arqma-storage-server/internal/swarm"
	"arqma-storage-server/internal/tester"
	"arqma-storage-server/internal/transport"
	"arqma-storage-server/internal/wire"
)

// State is the Node Supervisor's lifecycle state (spec §4.8).
type State int

const (
	// StateAwaitingKeys is the start state: no keypair fetched yet.
	StateAwaitingKeys State = iota
	// StateAwaitingSwarm has a keypair but isn't placed in a swarm yet
	// (brand-new registration, or --force-start bypasses this).
	StateAwaitingSwarm
	// StateReady accepts client writes and peer traffic normally.
	StateReady
	// StateDissolved lost its swarm (spec §4.2's dissolution case).
	// Retrieval keeps working (Ready() reports true); writes are refused.
	StateDissolved
)

func (s State) String() string {
	switch s {
	case StateAwaitingKeys:
		return "awaiting keypair"
	case StateAwaitingSwarm:
		return "awaiting swarm"
	case StateReady:
		return "ready"
	case StateDissolved:
		return "dissolved"
	default:
		return "unknown"
	}
}

const (
	keyRetryInterval   = 5 * time.Second
	swarmRetryInterval = 5 * time.Second
	pollInterval       = 10 * time.Second
	sweepInterval      = 10 * time.Second
	reportTimeout      = 10 * time.Second
)

// Deps bundles Supervisor's construction-time collaborators. The engines
// that need the node's own identity (Gossip, Tester, the peer Transport
// client) aren't built until Bootstrap derives that identity from the
// daemon, since the original sequence (service_node.cpp's
// wait_for_privkey, then everything else) has no way to build them sooner.
type Deps struct {
	DataDir       string
	IP            string
	Port          uint16
	Daemon        *daemonrpc.Client
	Log           *logging.Logger
	Metrics       *metrics.Metrics
	Clock         clock.Clock
	ForceStart    bool
	PoWDifficulty uint8
}

// Supervisor is the concrete implementation of httpapi.Supervisor.
type Supervisor struct {
	dataDir       string
	bindIP        string
	bindPort      uint16
	daemon        *daemonrpc.Client
	log           *logging.Logger
	metrics       *metrics.Metrics
	clk           clock.Clock
	forceStart    bool
	powDifficulty uint8

	store       *store.Store
	longpollReg *longpoll.Registry
	reach       *reachability.Tracker

	mu         sync.RWMutex
	state      State
	reason     string
	self       swarm.Peer
	legacyPriv []byte
	x25519Priv []byte
	x25519Pub  []byte
	tlsCert    tls.Certificate
	certSig    string

	directory       *swarm.Directory
	manager         *swarm.Manager
	gossipEngine    *gossip.Engine
	testerDriver    *tester.Driver
	transportClient *transport.Client
}

// New opens the Message Store under DataDir (with its OnCommit hook wired
// to the Long-Poll Registry's Wake) and returns a Supervisor in
// StateAwaitingKeys. Call Bootstrap before RunBackground.
func New(d Deps) (*Supervisor, error) {
	clk := d.Clock
	if clk == nil {
		clk = clock.System{}
	}
	reg := longpoll.New()
	st, err := store.Open(filepath.Join(d.DataDir, "messages.db"), store.Options{
		Clock:   clk,
		Metrics: d.Metrics,
		OnCommit: func(recipient string, msg wire.Message) {
			reg.Wake(recipient, msg)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	difficulty := d.PoWDifficulty

	s := &Supervisor{
		dataDir:       d.DataDir,
		bindIP:        d.IP,
		bindPort:      d.Port,
		daemon:        d.Daemon,
		log:           d.Log,
		metrics:       d.Metrics,
		clk:           clk,
		forceStart:    d.ForceStart,
		powDifficulty: difficulty,
		store:         st,
		longpollReg:   reg,
		reach:         reachability.New(clk.Now),
		state:         StateAwaitingKeys,
		reason:        "awaiting keypair from daemon",
	}
	return s, nil
}

// Close releases the Message Store's file handle. Call after Bootstrap/
// RunBackground's context has been cancelled and returned.
func (s *Supervisor) Close() error {
	return s.store.Close()
}

// TLSCertificate returns the self-signed certificate minted from the
// node's legacy key during Bootstrap. Only valid after Bootstrap returns
// successfully.
func (s *Supervisor) TLSCertificate() tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tlsCert
}

// NodeX25519Keys returns the node's persistent x25519 keypair, populated
// during Bootstrap, for the optional client-body channel AEAD (spec §6).
func (s *Supervisor) NodeX25519Keys() (priv, pub []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.x25519Priv, s.x25519Pub
}

// Self returns the node's own Peer record, populated during Bootstrap.
func (s *Supervisor) Self() swarm.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Bootstrap runs the blocking startup sequence service_node.cpp performs
// before accepting any request: fetch the node's keypair from the daemon,
// mint a self-signed cert from it, then fetch and apply the initial swarm
// map. It retries each daemon fetch on failure until ctx is cancelled; a
// key that fails to decode or derive is returned as an error at once.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if err := s.bootstrapIdentity(ctx); err != nil {
		return err
	}
	if err := s.bootstrapSwarmMap(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) bootstrapIdentity(ctx context.Context) error {
	s.setState(StateAwaitingKeys, "awaiting keypair from daemon")

	var keys daemonrpc.ServiceNodeKeys
	for {
		k, err := s.daemon.GetServiceNodePrivkey(ctx)
		if err == nil {
			keys = k
			break
		}
		if s.log != nil {
			s.log.RateLimited("sup-bootstrap-keys", time.Minute, "supervisor: get_service_node_privkey failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(keyRetryInterval):
		}
	}

	legacySeed, err := hex.DecodeString(keys.LegacyPrivkeyHex)
	if err != nil {
		return fmt.Errorf("supervisor: bad legacy privkey hex: %w", err)
	}
	legacyPub, legacyPriv, err := crypto.KeypairFromSeed(legacySeed)
	if err != nil {
		return fmt.Errorf("supervisor: derive legacy keypair: %w", err)
	}

	edSeed, err := hex.DecodeString(keys.Ed25519PrivkeyHex)
	if err != nil {
		return fmt.Errorf("supervisor: bad ed25519 privkey hex: %w", err)
	}
	edPub, _, err := crypto.KeypairFromSeed(edSeed)
	if err != nil {
		return fmt.Errorf("supervisor: derive ed25519 keypair: %w", err)
	}

	x25519Priv, err := hex.DecodeString(keys.X25519PrivkeyHex)
	if err != nil {
		return fmt.Errorf("supervisor: bad x25519 privkey hex: %w", err)
	}
	x25519Pub, err := crypto.X25519PublicFromPrivate(x25519Priv)
	if err != nil {
		return fmt.Errorf("supervisor: derive x25519 public key: %w", err)
	}

	self, err := swarm.NewPeer(s.bindIP, s.bindPort, toArray32(legacyPub), toArray32(x25519Pub), toArray32(edPub))
	if err != nil {
		return fmt.Errorf("supervisor: build self peer: %w", err)
	}

	cert, der, err := transport.SelfSignedCert(ed25519.PrivateKey(legacyPriv), s.bindIP)
	if err != nil {
		return fmt.Errorf("supervisor: mint self-signed cert: %w", err)
	}
	certSig := crypto.Sign(legacyPriv, crypto.SHA3_256(der))

	directory := swarm.NewDirectory()
	manager := swarm.NewManager(self)
	transportClient := transport.NewClient(self, legacyPriv, s.log)
	gossipEngine := gossip.New(gossip.Deps{
		Self: self, Manager: manager, Directory: directory, Store: s.store,
		Reach: s.reach, Metrics: s.metrics, Log: s.log, Transport: transportClient,
		Clock: s.clk, Seed: time.Now().UnixNano(),
	})
	testerDriver := tester.New(tester.Deps{
		Self: self, Manager: manager, Store: s.store, Transport: transportClient,
		Reach: s.reach, Metrics: s.metrics, Log: s.log, Clock: s.clk,
	})

	s.reach.SetReportHook(s.reportUnreachable)

	s.mu.Lock()
	s.self = self
	s.legacyPriv = legacyPriv
	s.x25519Priv = x25519Priv
	s.x25519Pub = x25519Pub
	s.tlsCert = cert
	s.certSig = hex.EncodeToString(certSig)
	s.directory = directory
	s.manager = manager
	s.gossipEngine = gossipEngine
	s.testerDriver = testerDriver
	s.transportClient = transportClient
	s.mu.Unlock()

	s.setState(StateAwaitingSwarm, "awaiting swarm placement")
	return nil
}

// reportUnreachable is the Reachability Tracker's report hook (spec §4.6):
// it resolves addr back to the peer's full record via the Peer Directory
// and calls the daemon's report_peer_storage_server_down.
func (s *Supervisor) reportUnreachable(addr string) {
	raw, err := crypto.DecodeBase32Z(addr)
	if err != nil || len(raw) != 32 {
		return
	}
	peer, ok := s.directory.Lookup(toArray32(raw))
	if !ok {
		return
	}
	pubkeyHex := hex.EncodeToString(peer.PubKeyLegacy[:])
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := s.daemon.ReportPeerStorageServerDown(ctx, pubkeyHex, peer.IP, peer.Port); err != nil {
			if s.log != nil {
				s.log.RateLimited("sup-report-down", time.Minute, "supervisor: report_peer_storage_server_down(%s) failed: %v", addr, err)
			}
			return
		}
		s.reach.SetReported(addr)
		if s.metrics != nil {
			s.metrics.IncReachReported()
		}
	}()
}

func (s *Supervisor) bootstrapSwarmMap(ctx context.Context) error {
	for {
		list, err := s.daemon.GetNServiceNodes(ctx)
		if err == nil {
			s.applySwarmMap(ctx, list)
			return nil
		}
		if s.log != nil {
			s.log.RateLimited("sup-bootstrap-swarm", time.Minute, "supervisor: get_n_service_nodes failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(swarmRetryInterval):
		}
	}
}

// RunBackground launches the node's periodic loops (peer exchange, TTL
// sweep, block-update polling) and blocks until ctx is cancelled. Call
// after Bootstrap succeeds.
func (s *Supervisor) RunBackground(ctx context.Context) {
	stop := ctx.Done()
	go s.gossipEngine.RunPeerExchangeLoop(ctx, stop)
	go s.store.RunSweep(sweepInterval, stop)
	s.pollLoop(ctx)
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := s.clk.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			list, err := s.daemon.GetNServiceNodes(ctx)
			if err != nil {
				if s.log != nil {
					s.log.RateLimited("sup-poll", time.Minute, "supervisor: poll get_n_service_nodes failed: %v", err)
				}
				continue
			}
			s.applySwarmMap(ctx, list)
		}
	}
}

// applySwarmMap feeds one daemon-delivered block update through the Swarm
// Manager's diff engine, the Peer Directory, the Gossip Engine's bootstrap/
// salvage loop, and the Tester's per-block-update test targets, updating
// the lifecycle state from the resulting Events (spec §4.2, §4.7, §4.8).
func (s *Supervisor) applySwarmMap(ctx context.Context, list daemonrpc.ServiceNodeList) {
	m := buildMap(list)
	s.directory.ReplaceFrom(m)
	events := s.manager.Apply(m)
	s.gossipEngine.RunBootstrap(ctx, events, m)

	switch {
	case events.OurSwarmID != swarm.InvalidSwarmID:
		s.setState(StateReady, "")
	case s.forceStart:
		s.setState(StateReady, "")
	default:
		if s.currentState() == StateReady {
			s.setState(StateDissolved, "swarm dissolved, awaiting reassignment")
		} else {
			s.setState(StateAwaitingSwarm, "awaiting swarm placement")
		}
	}

	if list.BlockHash != "" {
		s.runBlockUpdateTests(ctx, list.Height, list.BlockHash)
	}
}

// runBlockUpdateTests fires this block update's deterministic storage-test
// and blockchain-test against the same PRNG-chosen sibling (spec §4.7),
// fire-and-forget: both tests feed the Reachability Tracker on failure but
// neither blocks the polling loop.
func (s *Supervisor) runBlockUpdateTests(ctx context.Context, height uint64, blockHash string) {
	peer, msg, ok := s.testerDriver.PickTarget(blockHash)
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.IncTesterStorageTestsSent()
		s.metrics.IncTesterBlockchainTestsSent()
	}
	go func() {
		_, _ = s.testerDriver.RunStorageTest(ctx, peer, height, msg.Hash)
	}()
	go func() {
		_, _ = s.testerDriver.RunBlockchainTest(ctx, peer, height, blockHash)
	}()
}

func (s *Supervisor) setState(st State, reason string) {
	s.mu.Lock()
	s.state = st
	s.reason = reason
	s.mu.Unlock()
}

func (s *Supervisor) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) writesAllowed() bool {
	return s.currentState() == StateReady
}

// ---------------------------------------------------------------------
// httpapi.Supervisor
// ---------------------------------------------------------------------

// Ready reports true in both StateReady and StateDissolved: retrieval
// keeps working while a dissolved node awaits reassignment (spec §4.8),
// only writes are refused, via ErrNotReady from ProcessStore/ProcessPush/
// ProcessPushBatch below.
func (s *Supervisor) Ready() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateReady || s.state == StateDissolved {
		return true, ""
	}
	return false, s.reason
}

func (s *Supervisor) IsPubkeyForUs(pk swarm.UserPubkey) bool {
	return swarm.IsPubkeyForUs(s.manager.Current(), pk, s.manager.OurSwarmID())
}

func (s *Supervisor) SnodesByPubkey(pk swarm.UserPubkey) []swarm.Peer {
	m := s.manager.Current()
	info, ok := m.SwarmByID(swarm.SwarmOf(m, pk))
	if !ok {
		return nil
	}
	return info.Members
}

func (s *Supervisor) CurrentDifficulty() uint8 {
	return s.powDifficulty
}

func (s *Supervisor) ProcessStore(msg wire.Message) (store.Outcome, error) {
	if s.metrics != nil {
		s.metrics.IncSupStoreRequests()
	}
	if !s.writesAllowed() {
		return store.Rejected, httpapi.ErrNotReady
	}
	return s.store.Store(msg)
}

func (s *Supervisor) ProcessRetrieve(recipient, lastHash string) ([]wire.Message, error) {
	if s.metrics != nil {
		s.metrics.IncSupRetrieveRequests()
	}
	return s.store.Retrieve(recipient, lastHash)
}

func (s *Supervisor) ProcessPush(msg wire.Message) error {
	if s.metrics != nil {
		s.metrics.IncSupPushRequests()
	}
	if !s.writesAllowed() {
		return httpapi.ErrNotReady
	}
	if s.metrics != nil {
		s.metrics.IncGossipPushReceived()
	}
	_, err := s.store.Store(msg)
	return err
}

func (s *Supervisor) ProcessPushBatch(batch []byte) (int, error) {
	if !s.writesAllowed() {
		return 0, httpapi.ErrNotReady
	}
	if s.metrics != nil {
		s.metrics.IncGossipBatchReceived()
	}
	return s.gossipEngine.Ingest(batch)
}

func (s *Supervisor) ProcessStorageTestRequest(_ uint64, hash string) tester.StorageTestResult {
	return tester.HandleStorageTestRequest(s.store, hash)
}

func (s *Supervisor) PerformBlockchainTest(ctx context.Context, maxHeight uint64, seed string) (uint64, error) {
	return tester.HandleBlockchainTestRequest(ctx, s.daemon, maxHeight, seed)
}

func (s *Supervisor) RegisterListener(recipient string) *longpoll.Waiter {
	return s.longpollReg.Register(recipient)
}

func (s *Supervisor) RemoveListener(w *longpoll.Waiter) {
	s.longpollReg.Deregister(w)
}

func (s *Supervisor) Stats() metrics.Snapshot {
	if s.metrics != nil {
		s.metrics.SetSupLongPollWaiters(uint64(s.longpollReg.Len()))
	}
	return s.metrics.Snapshot()
}

func (s *Supervisor) RecentLogs() []string {
	if s.log == nil {
		return nil
	}
	return s.log.RecentLines(500)
}

func (s *Supervisor) IsSnodeAddressKnown(peerAddrB32z string) bool {
	return s.directory.IsKnown(peerAddrB32z)
}

func (s *Supervisor) VerifyPeerSignature(peerAddrB32z string, body, sig []byte) bool {
	raw, err := crypto.DecodeBase32Z(peerAddrB32z)
	if err != nil || len(raw) != 32 {
		return false
	}
	peer, ok := s.directory.Lookup(toArray32(raw))
	if !ok {
		return false
	}
	return crypto.VerifyMessage(peer.PubKeyLegacy[:], body, sig)
}

func (s *Supervisor) CertSignature() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certSig
}

// ---------------------------------------------------------------------
// SwarmMap construction from the daemon feed
// ---------------------------------------------------------------------

func buildMap(list daemonrpc.ServiceNodeList) swarm.Map {
	bySwarm := make(map[uint64][]swarm.Peer)
	var decommissioned []swarm.Peer
	for _, e := range list.Entries {
		p, err := peerFromEntry(e)
		if err != nil {
			continue
		}
		if e.IsDecommissioned {
			decommissioned = append(decommissioned, p)
			continue
		}
		bySwarm[e.SwarmID] = append(bySwarm[e.SwarmID], p)
	}

	swarms := make([]swarm.SwarmInfo, 0, len(bySwarm))
	for id, members := range bySwarm {
		swarms = append(swarms, swarm.SwarmInfo{SwarmID: id, Members: members})
	}
	sort.Slice(swarms, func(i, j int) bool { return swarms[i].SwarmID < swarms[j].SwarmID })

	return swarm.Map{
		Swarms:         swarms,
		Decommissioned: decommissioned,
		Height:         list.Height,
		BlockHash:      list.BlockHash,
		Hardfork:       list.Hardfork,
	}
}

func peerFromEntry(e daemonrpc.ServiceNodeEntry) (swarm.Peer, error) {
	legacy, err := decodeHex32(e.PubkeyLegacyHex)
	if err != nil {
		return swarm.Peer{}, err
	}
	x25519, err := decodeHex32(e.PubkeyX25519Hex)
	if err != nil {
		return swarm.Peer{}, err
	}
	ed25519Pub, err := decodeHex32(e.PubkeyEd25519Hex)
	if err != nil {
		return swarm.Peer{}, err
	}
	return swarm.NewPeer(e.IP, e.Port, legacy, x25519, ed25519Pub)
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("supervisor: bad 32-byte hex %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func toArray32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
