package longpoll

import (
	"testing"
	"time"

	"arqma-storage-server/internal/wire"
)

func TestWakeDeliversToAllWaitersOnRecipient(t *testing.T) {
	r := New()
	w1 := r.Register("alice")
	w2 := r.Register("alice")
	w3 := r.Register("bob")

	msg := wire.Message{Recipient: "alice", Hash: "h1"}
	r.Wake("alice", msg)

	for _, w := range []*Waiter{w1, w2} {
		got, ok := w.Wait()
		if !ok {
			t.Fatalf("expected delivery, got empty close")
		}
		if got.Hash != "h1" {
			t.Fatalf("expected h1, got %q", got.Hash)
		}
	}

	if r.WaiterCount("alice") != 0 {
		t.Fatalf("expected alice's waiters to be deregistered after wake")
	}
	if r.WaiterCount("bob") != 1 {
		t.Fatalf("expected bob's waiter to remain registered")
	}

	r.Deregister(w3)
	if _, ok := w3.Wait(); ok {
		t.Fatalf("expected bob's waiter to resolve empty after deregister")
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New()
	w := r.Register("alice")
	r.Deregister(w)
	r.Deregister(w)
	if r.Len() != 0 {
		t.Fatalf("expected 0 waiters after deregister, got %d", r.Len())
	}
}

func TestWakeOnlyAffectsMatchingRecipient(t *testing.T) {
	r := New()
	w := r.Register("alice")
	r.Wake("someone-else", wire.Message{Hash: "irrelevant"})

	select {
	case <-w.slot:
		t.Fatalf("expected alice's waiter to remain suspended")
	case <-time.After(10 * time.Millisecond):
	}
	r.Deregister(w)
}

func TestWaitBlocksUntilDeliveryOrClose(t *testing.T) {
	r := New()
	w := r.Register("alice")
	done := make(chan struct{})
	var gotOK bool
	go func() {
		_, gotOK = w.Wait()
		close(done)
	}()

	r.Wake("alice", wire.Message{Hash: "h1"})
	<-done
	if !gotOK {
		t.Fatalf("expected ok=true on delivered message")
	}
}
