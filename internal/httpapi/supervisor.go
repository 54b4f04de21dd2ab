// Package httpapi implements the HTTPS endpoint router spec §6 names:
// client JSON-RPC-ish requests under /storage_rpc/v1, the signed peer
// endpoints under /swarms/*, and the two unauthenticated diagnostic GETs.
// Grounded on the teacher's internal/network quic stream dispatch loop
// (one handler per request kind, error mapped to a status code at the top
// of the handler) translated to net/http, and on
// original_source/httpserver/http_connection.cpp for the exact field
// names, status codes, and response shapes this project's distilled spec
// summarizes.
package httpapi

import (
	"context"

	"arqma-storage-server/internal/longpoll"
	"arqma-storage-server/internal/metrics"
	"arqma-storage-server/internal/store"
	"arqma-storage-server/internal/swarm"
	"arqma-storage-server/internal/tester"
	"arqma-storage-server/internal/wire"
)

// Supervisor is the capability interface the router needs from the Node
// Supervisor (spec §4.8). Declaring it here rather than importing
// internal/supervisor directly avoids a import cycle, since the
// Supervisor's job is to wire up and own this router; per the design
// note on exposing engines as capability interfaces, this also lets
// router tests supply a hand-built fake instead of a full Supervisor.
type Supervisor interface {
	// Ready reports whether the node will accept client traffic yet, and a
	// human-readable reason when it won't (spec §4.8's snode_ready).
	Ready() (ok bool, reason string)

	// IsPubkeyForUs answers the swarm-placement question for a single
	// client pubkey.
	IsPubkeyForUs(pk swarm.UserPubkey) bool

	// SnodesByPubkey returns the swarm currently responsible for pk,
	// used both for the 421 diagnostic body and the get_snodes_for_pubkey
	// client method.
	SnodesByPubkey(pk swarm.UserPubkey) []swarm.Peer

	// CurrentDifficulty is the PoW difficulty (spec §4.8's
	// get_curr_pow_difficulty) echoed in every store response and in the
	// 432 diagnostic body.
	CurrentDifficulty() uint8

	// ProcessStore commits msg if it belongs to our swarm (spec §4.8's
	// process_store). The caller has already verified PoW and swarm
	// placement; ProcessStore only reports the store outcome.
	ProcessStore(msg wire.Message) (store.Outcome, error)

	// ProcessRetrieve returns messages newer than lastHash for recipient,
	// without suspending — long-poll suspension is the router's own
	// concern (spec §4.5), not the Supervisor's.
	ProcessRetrieve(recipient, lastHash string) ([]wire.Message, error)

	// ProcessPush ingests a single gossiped message (spec §4.8's
	// process_push).
	ProcessPush(msg wire.Message) error

	// ProcessPushBatch ingests a length-prefixed batch (spec §4.3, §4.8's
	// process_push_batch), returning the number of messages committed.
	ProcessPushBatch(batch []byte) (int, error)

	// ProcessStorageTestRequest answers an incoming storage test (spec
	// §4.7, §4.8's process_storage_test_req).
	ProcessStorageTestRequest(height uint64, hash string) tester.StorageTestResult

	// PerformBlockchainTest answers an incoming blockchain test (spec
	// §4.7, §4.8's perform_blockchain_test).
	PerformBlockchainTest(ctx context.Context, maxHeight uint64, seed string) (uint64, error)

	// RegisterListener suspends a retrieve call awaiting a commit for
	// recipient (spec §4.5).
	RegisterListener(recipient string) *longpoll.Waiter

	// RemoveListener deregisters a waiter on deadline or disconnect.
	RemoveListener(w *longpoll.Waiter)

	// Stats returns the current metrics snapshot (spec §4.8's get_stats).
	Stats() metrics.Snapshot

	// RecentLogs returns the most recent log lines for /get_logs/v1.
	RecentLogs() []string

	// IsSnodeAddressKnown reports whether peerAddrB32z names a peer in the
	// current SwarmMap, used to reject signed requests from unknown
	// peers with 401 (spec §4.8's is_snode_address_known).
	IsSnodeAddressKnown(peerAddrB32z string) bool

	// VerifyPeerSignature checks sig (ed25519 over the raw body bytes; no
	// hash of the body is taken) against the ed25519 public key registered for
	// peerAddrB32z in the current SwarmMap (spec §6's Peer-signature
	// headers). Returns false for an unknown peer or a bad signature.
	VerifyPeerSignature(peerAddrB32z string, body, sig []byte) bool

	// CertSignature is this node's self-signed certificate fingerprint
	// signature, echoed on outbound peer responses via the
	// X-Arqma-Snode-Signature response header (spec §6) so siblings can
	// authenticate it out of band.
	CertSignature() string
}
