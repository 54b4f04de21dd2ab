package store

import (
	"path/filepath"
	"testing"
	"time"

	"arqma-storage-server/internal/clock"
	"arqma-storage-server/internal/wire"
)

func newTestStore(t *testing.T, c clock.Clock) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"), Options{Clock: c})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msgFor(recipient, hash string, tsMs uint64) wire.Message {
	return wire.Message{
		Recipient:   recipient,
		Data:        []byte("payload"),
		Hash:        hash,
		TTLMillis:   60000,
		TimestampMs: tsMs,
		Nonce:       "n",
	}
}

func TestStoreCommitThenDuplicate(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	msg := msgFor("recipient-a", "hash-1", uint64(f.Now().UnixMilli()))

	outcome, err := s.Store(msg)
	if err != nil || outcome != Committed {
		t.Fatalf("expected Committed, got %v err=%v", outcome, err)
	}
	outcome, err = s.Store(msg)
	if err != nil || outcome != Duplicate {
		t.Fatalf("expected Duplicate on second store, got %v err=%v", outcome, err)
	}
}

func TestRetrieveEmptyLastHashReturnsAllUnexpired(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	now := uint64(f.Now().UnixMilli())
	_, _ = s.Store(msgFor("r", "h1", now))
	_, _ = s.Store(msgFor("r", "h2", now))

	msgs, err := s.Retrieve("r", "")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestRetrieveAfterLastHashIsStrictlyLater(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	now := uint64(f.Now().UnixMilli())
	_, _ = s.Store(msgFor("r", "h1", now))
	_, _ = s.Store(msgFor("r", "h2", now))
	_, _ = s.Store(msgFor("r", "h3", now))

	msgs, err := s.Retrieve("r", "h1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after h1, got %d", len(msgs))
	}
	if msgs[0].Hash != "h2" || msgs[1].Hash != "h3" {
		t.Fatalf("expected h2 then h3 in commit order, got %v", msgs)
	}
}

func TestRetrieveExcludesExpired(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	now := uint64(f.Now().UnixMilli())
	_, _ = s.Store(msgFor("r", "h1", now))

	f.Advance(2 * time.Minute) // TTL is 60s in msgFor
	msgs, err := s.Retrieve("r", "")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected expired message to be excluded, got %d", len(msgs))
	}
}

func TestSweepPurgesExpiredEntries(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	now := uint64(f.Now().UnixMilli())
	_, _ = s.Store(msgFor("r", "h1", now))
	f.Advance(2 * time.Minute)

	purged, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged entry, got %d", purged)
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store after sweep, got %d entries", len(all))
	}
}

func TestOnCommitCallback(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	dir := t.TempDir()
	var got wire.Message
	s, err := Open(filepath.Join(dir, "db"), Options{Clock: f, OnCommit: func(recipient string, msg wire.Message) {
		got = msg
	}})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	msg := msgFor("r", "h1", uint64(f.Now().UnixMilli()))
	if _, err := s.Store(msg); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if got.Hash != "h1" {
		t.Fatalf("expected OnCommit to fire with h1, got %+v", got)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	now := uint64(f.Now().UnixMilli())
	_, _ = s.Store(msgFor("r", "h1", now))
	if err := s.Delete("r", "h1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	msgs, err := s.Retrieve("r", "")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected deleted message to be gone, got %d", len(msgs))
	}
}

func TestSinceSeqReturnsOnlyNewerEntries(t *testing.T) {
	f := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, f)
	now := uint64(f.Now().UnixMilli())
	_, _ = s.Store(msgFor("r1", "h1", now))
	_, _ = s.Store(msgFor("r2", "h2", now))

	msgs, maxSeq, err := s.SinceSeq(0)
	if err != nil {
		t.Fatalf("SinceSeq failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages since 0, got %d", len(msgs))
	}
	if maxSeq != 2 {
		t.Fatalf("expected maxSeq 2, got %d", maxSeq)
	}

	_, _ = s.Store(msgFor("r3", "h3", now))
	msgs, maxSeq, err = s.SinceSeq(maxSeq)
	if err != nil {
		t.Fatalf("SinceSeq failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Hash != "h3" {
		t.Fatalf("expected only h3 since prior marker, got %v", msgs)
	}
	if maxSeq != 3 {
		t.Fatalf("expected maxSeq 3, got %d", maxSeq)
	}
}
