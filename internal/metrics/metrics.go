// Package metrics keeps the teacher's atomic-counter-plus-JSON-snapshot
// style (internal/metrics/metrics.go) as the primary bookkeeping store, and
// additionally feeds a github.com/prometheus/client_golang registry,
// reachable through Registry(). No HTTP handler serves that registry;
// /get_stats/v1 returns the JSON snapshot only.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecentEvent is a ring-buffer entry recorded for a handled request, used by
// /get_logs/v1 and debugging, mirroring the teacher's DeltaHeader ring.
type RecentEvent struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Peer string    `json:"peer,omitempty"`
	Note string    `json:"note,omitempty"`
}

type Snapshot struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	Store        StoreMetrics     `json:"store"`
	Gossip       GossipMetrics    `json:"gossip"`
	Reachability ReachMetrics     `json:"reachability"`
	Tester       TesterMetrics    `json:"tester"`
	Supervisor   SupervisorCounts `json:"supervisor"`
	Recent       []RecentEvent    `json:"recent"`
}

type StoreMetrics struct {
	Stored       uint64 `json:"stored"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	Expired      uint64 `json:"expired"`
	Retrieved    uint64 `json:"retrieved"`
}

type GossipMetrics struct {
	PushSent       uint64 `json:"push_sent"`
	PushReceived   uint64 `json:"push_received"`
	BatchSent      uint64 `json:"batch_sent"`
	BatchReceived  uint64 `json:"batch_received"`
	SalvageSent    uint64 `json:"salvage_sent"`
	PeerExchangeOK uint64 `json:"peer_exchange_ok"`
	DropRate       uint64 `json:"drop_rate"`
}

type ReachMetrics struct {
	MarkedUnreachable uint64 `json:"marked_unreachable"`
	Reported          uint64 `json:"reported"`
	Recovered         uint64 `json:"recovered"`
}

type TesterMetrics struct {
	StorageTestsSent    uint64 `json:"storage_tests_sent"`
	StorageTestsOK      uint64 `json:"storage_tests_ok"`
	StorageTestsFailed  uint64 `json:"storage_tests_failed"`
	BlockchainTestsSent uint64 `json:"blockchain_tests_sent"`
}

type SupervisorCounts struct {
	StoreRequests       uint64 `json:"store_requests"`
	RetrieveRequests    uint64 `json:"retrieve_requests"`
	PushRequests        uint64 `json:"push_requests"`
	LongPollWaiters     uint64 `json:"longpoll_waiters"`
}

type Metrics struct {
	storeStored        atomic.Uint64
	storeDropDuplicate atomic.Uint64
	storeExpired       atomic.Uint64
	storeRetrieved     atomic.Uint64

	gossipPushSent       atomic.Uint64
	gossipPushReceived   atomic.Uint64
	gossipBatchSent      atomic.Uint64
	gossipBatchReceived  atomic.Uint64
	gossipSalvageSent    atomic.Uint64
	gossipPeerExchangeOK atomic.Uint64
	gossipDropRate       atomic.Uint64

	reachMarkedUnreachable atomic.Uint64
	reachReported          atomic.Uint64
	reachRecovered         atomic.Uint64

	testerStorageTestsSent    atomic.Uint64
	testerStorageTestsOK      atomic.Uint64
	testerStorageTestsFailed  atomic.Uint64
	testerBlockchainTestsSent atomic.Uint64

	supStoreRequests    atomic.Uint64
	supRetrieveRequests atomic.Uint64
	supPushRequests     atomic.Uint64
	supLongPollWaiters  atomic.Uint64

	recent *RecentRing

	promRegistry *prometheus.Registry
	promCounters map[string]prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{recent: NewRecentRing(128)}
	m.promRegistry = prometheus.NewRegistry()
	m.promCounters = make(map[string]prometheus.Counter)
	for _, name := range []string{
		"store_stored_total", "store_drop_duplicate_total", "store_expired_total", "store_retrieved_total",
		"gossip_push_sent_total", "gossip_push_received_total", "gossip_batch_sent_total",
		"gossip_batch_received_total", "gossip_salvage_sent_total", "gossip_peer_exchange_ok_total",
		"gossip_drop_rate_total",
		"reach_marked_unreachable_total", "reach_reported_total", "reach_recovered_total",
		"tester_storage_tests_sent_total", "tester_storage_tests_ok_total",
		"tester_storage_tests_failed_total", "tester_blockchain_tests_sent_total",
		"supervisor_store_requests_total", "supervisor_retrieve_requests_total",
		"supervisor_push_requests_total", "supervisor_longpoll_waiters_total",
	} {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqma_ss",
			Name:      name,
		})
		m.promRegistry.MustRegister(c)
		m.promCounters[name] = c
	}
	return m
}

// Registry exposes the Prometheus registry the counters are mirrored into.
// Nothing in this module registers an HTTP scrape handler for it.
func (m *Metrics) Registry() *prometheus.Registry { return m.promRegistry }

func (m *Metrics) Recent() *RecentRing { return m.recent }

func (m *Metrics) bump(counter *atomic.Uint64, promName string) {
	counter.Add(1)
	if c, ok := m.promCounters[promName]; ok {
		c.Inc()
	}
}

func (m *Metrics) IncStoreStored()       { m.bump(&m.storeStored, "store_stored_total") }
func (m *Metrics) IncStoreDropDuplicate() { m.bump(&m.storeDropDuplicate, "store_drop_duplicate_total") }
func (m *Metrics) IncStoreExpired()      { m.bump(&m.storeExpired, "store_expired_total") }
func (m *Metrics) IncStoreRetrieved()    { m.bump(&m.storeRetrieved, "store_retrieved_total") }

func (m *Metrics) IncGossipPushSent()       { m.bump(&m.gossipPushSent, "gossip_push_sent_total") }
func (m *Metrics) IncGossipPushReceived()   { m.bump(&m.gossipPushReceived, "gossip_push_received_total") }
func (m *Metrics) IncGossipBatchSent()      { m.bump(&m.gossipBatchSent, "gossip_batch_sent_total") }
func (m *Metrics) IncGossipBatchReceived()  { m.bump(&m.gossipBatchReceived, "gossip_batch_received_total") }
func (m *Metrics) IncGossipSalvageSent()    { m.bump(&m.gossipSalvageSent, "gossip_salvage_sent_total") }
func (m *Metrics) IncGossipPeerExchangeOK() { m.bump(&m.gossipPeerExchangeOK, "gossip_peer_exchange_ok_total") }
func (m *Metrics) IncGossipDropRate()       { m.bump(&m.gossipDropRate, "gossip_drop_rate_total") }

func (m *Metrics) IncReachMarkedUnreachable() { m.bump(&m.reachMarkedUnreachable, "reach_marked_unreachable_total") }
func (m *Metrics) IncReachReported()          { m.bump(&m.reachReported, "reach_reported_total") }
func (m *Metrics) IncReachRecovered()         { m.bump(&m.reachRecovered, "reach_recovered_total") }

func (m *Metrics) IncTesterStorageTestsSent()    { m.bump(&m.testerStorageTestsSent, "tester_storage_tests_sent_total") }
func (m *Metrics) IncTesterStorageTestsOK()      { m.bump(&m.testerStorageTestsOK, "tester_storage_tests_ok_total") }
func (m *Metrics) IncTesterStorageTestsFailed()  { m.bump(&m.testerStorageTestsFailed, "tester_storage_tests_failed_total") }
func (m *Metrics) IncTesterBlockchainTestsSent() { m.bump(&m.testerBlockchainTestsSent, "tester_blockchain_tests_sent_total") }

func (m *Metrics) IncSupStoreRequests()    { m.bump(&m.supStoreRequests, "supervisor_store_requests_total") }
func (m *Metrics) IncSupRetrieveRequests() { m.bump(&m.supRetrieveRequests, "supervisor_retrieve_requests_total") }
func (m *Metrics) IncSupPushRequests()     { m.bump(&m.supPushRequests, "supervisor_push_requests_total") }
func (m *Metrics) SetSupLongPollWaiters(n uint64) {
	m.supLongPollWaiters.Store(n)
}

func (m *Metrics) RecordEvent(kind, peer, note string) {
	if m.recent != nil {
		m.recent.Add(RecentEvent{At: time.Now().UTC(), Kind: kind, Peer: peer, Note: note})
	}
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []RecentEvent{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Store: StoreMetrics{
			Stored:        m.storeStored.Load(),
			DropDuplicate: m.storeDropDuplicate.Load(),
			Expired:       m.storeExpired.Load(),
			Retrieved:     m.storeRetrieved.Load(),
		},
		Gossip: GossipMetrics{
			PushSent:       m.gossipPushSent.Load(),
			PushReceived:   m.gossipPushReceived.Load(),
			BatchSent:      m.gossipBatchSent.Load(),
			BatchReceived:  m.gossipBatchReceived.Load(),
			SalvageSent:    m.gossipSalvageSent.Load(),
			PeerExchangeOK: m.gossipPeerExchangeOK.Load(),
			DropRate:       m.gossipDropRate.Load(),
		},
		Reachability: ReachMetrics{
			MarkedUnreachable: m.reachMarkedUnreachable.Load(),
			Reported:          m.reachReported.Load(),
			Recovered:         m.reachRecovered.Load(),
		},
		Tester: TesterMetrics{
			StorageTestsSent:    m.testerStorageTestsSent.Load(),
			StorageTestsOK:      m.testerStorageTestsOK.Load(),
			StorageTestsFailed:  m.testerStorageTestsFailed.Load(),
			BlockchainTestsSent: m.testerBlockchainTestsSent.Load(),
		},
		Supervisor: SupervisorCounts{
			StoreRequests:    m.supStoreRequests.Load(),
			RetrieveRequests: m.supRetrieveRequests.Load(),
			PushRequests:     m.supPushRequests.Load(),
			LongPollWaiters:  m.supLongPollWaiters.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type RecentRing struct {
	mu   sync.Mutex
	cap  int
	list []RecentEvent
}

func NewRecentRing(capacity int) *RecentRing {
	if capacity <= 0 {
		capacity = 128
	}
	return &RecentRing{cap: capacity}
}

func (r *RecentRing) Add(e RecentEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *RecentRing) List() []RecentEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecentEvent, len(r.list))
	copy(out, r.list)
	return out
}
