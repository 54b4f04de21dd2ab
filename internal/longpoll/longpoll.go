// Package longpoll implements the Long-Poll Registry (spec §4.5): a
// per-recipient list of suspended client waiters woken on a matching
// Message Store commit. Grounded on the teacher's map+mutex registries
// (internal/daemon/peer.go's connection-tracking maps) generalized from
// connection bookkeeping to a wake-on-commit notification fan-out, with
// github.com/google/uuid supplying waiter identity the way the teacher
// names ephemeral session/connection ids.
package longpoll

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"arqma-storage-server/internal/wire"
)

// Deadline is the maximum time (spec §4.5, §5) a retrieve call may suspend
// awaiting a store before resolving empty.
const Deadline = 20 * time.Second

// Waiter is a single suspended retrieve call's one-shot delivery slot.
type Waiter struct {
	ID        string
	Recipient string
	slot      chan wire.Message
	once      sync.Once
}

// Deliver places msg into the waiter's one-shot slot. Safe to call at most
// effectively once; subsequent calls are no-ops.
func (w *Waiter) deliver(msg wire.Message) {
	w.once.Do(func() {
		w.slot <- msg
		close(w.slot)
	})
}

// closeEmpty closes the slot without a delivery, signalling deadline/
// disconnect/deregistration to the waiting goroutine.
func (w *Waiter) closeEmpty() {
	w.once.Do(func() {
		close(w.slot)
	})
}

// Wait blocks until either a message is delivered or the slot is closed
// empty (deadline, disconnect, explicit deregistration). ok is false in the
// empty case.
func (w *Waiter) Wait() (msg wire.Message, ok bool) {
	msg, ok = <-w.slot
	return msg, ok
}

// Registry tracks suspended waiters per recipient. It lives on the primary
// loop (spec §4.8 shared-resource policy) and requires no external locking
// from callers beyond the Register/Wake/Deregister API itself.
type Registry struct {
	mu      sync.Mutex
	byRecip map[string][]*Waiter
	byID    map[string]*Waiter
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byRecip: make(map[string][]*Waiter),
		byID:    make(map[string]*Waiter),
	}
}

// Register suspends a new waiter for recipient and returns it. The caller
// is responsible for arranging Deregister to run after Deadline elapses
// (typically via a timer on the primary loop) and on client disconnect.
func (r *Registry) Register(recipient string) *Waiter {
	w := &Waiter{
		ID:        uuid.NewString(),
		Recipient: recipient,
		slot:      make(chan wire.Message, 1),
	}
	r.mu.Lock()
	r.byRecip[recipient] = append(r.byRecip[recipient], w)
	r.byID[w.ID] = w
	r.mu.Unlock()
	return w
}

// Wake delivers msg into every waiter currently registered for recipient
// and deregisters them. Called by the Message Store's OnCommit hook (spec
// §4.4) after a successful, non-duplicate insert.
func (r *Registry) Wake(recipient string, msg wire.Message) {
	r.mu.Lock()
	waiters := r.byRecip[recipient]
	delete(r.byRecip, recipient)
	for _, w := range waiters {
		delete(r.byID, w.ID)
	}
	r.mu.Unlock()

	for _, w := range waiters {
		w.deliver(msg)
	}
}

// Deregister removes a single waiter (deadline fired, client disconnected,
// or connection deadline per §5) without delivering a message. Idempotent.
func (r *Registry) Deregister(w *Waiter) {
	r.mu.Lock()
	if _, ok := r.byID[w.ID]; ok {
		delete(r.byID, w.ID)
		list := r.byRecip[w.Recipient]
		for i, cand := range list {
			if cand.ID == w.ID {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.byRecip, w.Recipient)
		} else {
			r.byRecip[w.Recipient] = list
		}
	}
	r.mu.Unlock()
	w.closeEmpty()
}

// WaiterCount reports how many waiters are suspended for recipient, used
// for metrics/diagnostics (spec §4.6 get_stats exposes long-poll waiter
// totals).
func (r *Registry) WaiterCount(recipient string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRecip[recipient])
}

// Len reports the total number of suspended waiters across all recipients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
