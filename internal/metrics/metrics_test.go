package metrics

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncStoreStored()
	m.IncStoreStored()
	m.IncStoreDropDuplicate()
	m.IncGossipPushSent()
	m.IncGossipPeerExchangeOK()
	m.IncReachMarkedUnreachable()
	m.IncTesterStorageTestsOK()
	m.IncSupStoreRequests()
	m.SetSupLongPollWaiters(5)
	m.RecordEvent("store", "abc.snode", "ok")

	snap := m.Snapshot()
	if snap.Store.Stored != 2 {
		t.Fatalf("expected stored=2, got %d", snap.Store.Stored)
	}
	if snap.Store.DropDuplicate != 1 {
		t.Fatalf("expected drop_duplicate=1, got %d", snap.Store.DropDuplicate)
	}
	if snap.Gossip.PushSent != 1 || snap.Gossip.PeerExchangeOK != 1 {
		t.Fatalf("unexpected gossip counts: %+v", snap.Gossip)
	}
	if snap.Reachability.MarkedUnreachable != 1 {
		t.Fatalf("unexpected reachability counts: %+v", snap.Reachability)
	}
	if snap.Tester.StorageTestsOK != 1 {
		t.Fatalf("unexpected tester counts: %+v", snap.Tester)
	}
	if snap.Supervisor.StoreRequests != 1 || snap.Supervisor.LongPollWaiters != 5 {
		t.Fatalf("unexpected supervisor counts: %+v", snap.Supervisor)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].Kind != "store" {
		t.Fatalf("unexpected recent events: %+v", snap.Recent)
	}
}

func TestWriteSnapshotNoopWithoutPath(t *testing.T) {
	m := New()
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
