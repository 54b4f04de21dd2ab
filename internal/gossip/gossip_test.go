package gossip

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"arqma-storage-server/internal/clock"
	"arqma-storage-server/internal/reachability"
	"arqma-storage-server/internal/store"
	"arqma-storage-server/internal/swarm"
	"arqma-storage-server/internal/wire"
)

type fakeTransport struct {
	replies map[[32]byte][]byte
	err     map[[32]byte]error
	calls   int
}

func (f *fakeTransport) PushBatch(_ context.Context, peer swarm.Peer, _ []byte) ([]byte, error) {
	f.calls++
	if err, ok := f.err[peer.PubKeyLegacy]; ok {
		return nil, err
	}
	return f.replies[peer.PubKeyLegacy], nil
}

func mustPeer(t *testing.T, last byte) swarm.Peer {
	t.Helper()
	var legacy, x, ed [32]byte
	legacy[31] = last
	x[31] = last
	ed[31] = last
	p, err := swarm.NewPeer("127.0.0.1", 8080, legacy, x, ed)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	return p
}

func newTestStore(t *testing.T, c clock.Clock) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "db"), store.Options{Clock: c})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExchangeTickSendsSinceLastCursorAndIngestsReply(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	self := mustPeer(t, 1)
	sibling := mustPeer(t, 2)

	mgr := swarm.NewManager(self)
	mgr.Apply(swarm.Map{Swarms: []swarm.SwarmInfo{{SwarmID: 1, Members: []swarm.Peer{self, sibling}}}})

	st := newTestStore(t, f)
	recipientForUs := pubkeyTargetingSwarm(t, mgr.Current(), 1)
	_, _ = st.Store(wire.Message{Recipient: recipientForUs.String(), Data: []byte("x"), Hash: "h1", TTLMillis: 60000, TimestampMs: uint64(f.Now().UnixMilli())})

	replyMsg := wire.Message{Recipient: recipientForUs.String(), Data: []byte("y"), Hash: "h2", TTLMillis: 60000, TimestampMs: uint64(f.Now().UnixMilli())}
	tr := &fakeTransport{replies: map[[32]byte][]byte{sibling.PubKeyLegacy: wire.EncodeBatch([]wire.Message{replyMsg})}}

	e := New(Deps{
		Self: self, Manager: mgr, Directory: swarm.NewDirectory(), Store: st,
		Reach: reachability.New(f.Now), Transport: tr, Clock: f, Seed: 1,
	})

	e.exchangeTick(context.Background())

	if tr.calls != 1 {
		t.Fatalf("expected 1 PushBatch call, got %d", tr.calls)
	}
	msgs, err := st.Retrieve(recipientForUs.String(), "")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected both local and ingested messages, got %d", len(msgs))
	}
}

func TestExchangeFailureFeedsReachabilityTracker(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	self := mustPeer(t, 1)
	sibling := mustPeer(t, 2)
	mgr := swarm.NewManager(self)
	mgr.Apply(swarm.Map{Swarms: []swarm.SwarmInfo{{SwarmID: 1, Members: []swarm.Peer{self, sibling}}}})

	st := newTestStore(t, f)
	tr := &fakeTransport{err: map[[32]byte]error{sibling.PubKeyLegacy: errors.New("unreachable")}}
	reach := reachability.New(f.Now)

	e := New(Deps{Self: self, Manager: mgr, Directory: swarm.NewDirectory(), Store: st, Reach: reach, Transport: tr, Clock: f, Seed: 1})
	e.exchangeTick(context.Background())

	if reach.Len() != 1 {
		t.Fatalf("expected 1 tracked unreachable peer, got %d", reach.Len())
	}
}

func TestIngestDropsEntriesNotAddressedToOurSwarm(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	self := mustPeer(t, 1)
	mgr := swarm.NewManager(self)
	mgr.Apply(swarm.Map{Swarms: []swarm.SwarmInfo{
		{SwarmID: 1, Members: []swarm.Peer{self}},
		{SwarmID: 2, Members: []swarm.Peer{mustPeer(t, 9)}},
	}})
	st := newTestStore(t, f)
	e := New(Deps{Self: self, Manager: mgr, Directory: swarm.NewDirectory(), Store: st, Reach: reachability.New(f.Now), Transport: &fakeTransport{}, Clock: f, Seed: 1})

	foreign := pubkeyTargetingSwarm(t, mgr.Current(), 2)
	batch := wire.EncodeBatch([]wire.Message{{Recipient: foreign.String(), Data: []byte("x"), Hash: "h1", TTLMillis: 60000, TimestampMs: uint64(f.Now().UnixMilli())}})

	n, err := e.Ingest(batch)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 committed (not ours), got %d", n)
	}
}

func TestIngestDuplicateIsIdempotent(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	self := mustPeer(t, 1)
	mgr := swarm.NewManager(self)
	mgr.Apply(swarm.Map{Swarms: []swarm.SwarmInfo{{SwarmID: 1, Members: []swarm.Peer{self}}}})
	st := newTestStore(t, f)
	e := New(Deps{Self: self, Manager: mgr, Directory: swarm.NewDirectory(), Store: st, Reach: reachability.New(f.Now), Transport: &fakeTransport{}, Clock: f, Seed: 1})

	recipient := pubkeyTargetingSwarm(t, mgr.Current(), 1)
	batch := wire.EncodeBatch([]wire.Message{{Recipient: recipient.String(), Data: []byte("x"), Hash: "h1", TTLMillis: 60000, TimestampMs: uint64(f.Now().UnixMilli())}})

	n1, err := e.Ingest(batch)
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	n2, err := e.Ingest(batch)
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if n1 != 1 || n2 != 0 {
		t.Fatalf("expected first ingest to commit 1 and second to commit 0, got %d then %d", n1, n2)
	}
}

// pubkeyTargetingSwarm builds a synthetic 64-hex user pubkey whose
// placement target resolves to swarmID under the given map, for use as a
// recipient in gossip tests without depending on real key material.
func pubkeyTargetingSwarm(t *testing.T, m swarm.Map, swarmID uint64) swarm.UserPubkey {
	t.Helper()
	for i := 0; i < 1<<16; i++ {
		raw := make([]byte, 32)
		raw[0] = 0x05
		raw[31] = byte(i)
		raw[30] = byte(i >> 8)
		hexStr := bytesToHex(raw)
		pk, err := swarm.ParseUserPubkey(hexStr)
		if err != nil {
			continue
		}
		if swarm.SwarmOf(m, pk) == swarmID {
			return pk
		}
	}
	t.Fatalf("could not find a pubkey targeting swarm %d", swarmID)
	return swarm.UserPubkey{}
}

const hexDigits = "0123456789abcdef"

func bytesToHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}
