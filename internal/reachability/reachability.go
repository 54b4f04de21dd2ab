// Package reachability implements the per-peer offline tracker (spec §4.6),
// ported line-for-line from original_source/httpserver/reachability_testing.cpp:
// a new unreachable peer is recorded with first_failure == last_tested == now;
// a peer already known unreachable only advances last_tested, and
// record_unreachable reports should_report=true whenever the elapsed
// first_failure..last_tested window exceeds the 120-minute grace period
// and the peer hasn't yet been marked reported (set_reported).
package reachability

import (
	"sync"
	"time"
)

// GracePeriod is UNREACH_GRACE_PERIOD from reachability_testing.cpp.
const GracePeriod = 120 * time.Minute

// Record mirrors reach_record_t.
type Record struct {
	FirstFailure time.Time
	LastTested   time.Time
	Reported     bool
}

// Tracker is reachability_records_t, keyed by peer pubkey (legacy, hex or
// raw depending on caller convention — this package treats it as an opaque
// string key).
type Tracker struct {
	mu       sync.Mutex
	records  map[string]*Record
	now      func() time.Time
	onReport func(pk string)
}

// New constructs a Tracker. nowFn defaults to time.Now; tests may supply a
// fake clock's Now method.
func New(nowFn func() time.Time) *Tracker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Tracker{records: make(map[string]*Record), now: nowFn}
}

// RecordUnreachable inserts a fresh record on first failure, or advances
// last_tested on a peer already known unreachable. It returns
// shouldReport=true exactly when the peer has exceeded the grace period and
// has not yet been reported — the caller (Node Supervisor) is then
// responsible for calling the daemon RPC's report_peer_storage_server_down
// and then SetReported.
func (t *Tracker) RecordUnreachable(pk string) (shouldReport bool) {
	t.mu.Lock()
	now := t.now()
	rec, ok := t.records[pk]
	if !ok {
		t.records[pk] = &Record{FirstFailure: now, LastTested: now}
		t.mu.Unlock()
		return false
	}
	rec.LastTested = now
	elapsed := rec.LastTested.Sub(rec.FirstFailure)
	if rec.Reported {
		t.mu.Unlock()
		return false
	}
	shouldReport = elapsed > GracePeriod
	hook := t.onReport
	t.mu.Unlock()

	if shouldReport && hook != nil {
		hook(pk)
	}
	return shouldReport
}

// SetReportHook installs the callback RecordUnreachable invokes each time
// it returns shouldReport=true, i.e. on every failure recorded for a peer
// past the grace period until SetReported marks it. The Node Supervisor
// wires this to the daemon's report_peer_storage_server_down RPC followed
// by SetReported, so the report fires the instant the condition is met
// rather than waiting on a separate poll of the tracker's internal state.
func (t *Tracker) SetReportHook(fn func(pk string)) {
	t.mu.Lock()
	t.onReport = fn
	t.mu.Unlock()
}

// Expire removes the record on successful contact, returning whether an
// entry was removed.
func (t *Tracker) Expire(pk string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[pk]; ok {
		delete(t.records, pk)
		return true
	}
	return false
}

// SetReported marks pk as reported so RecordUnreachable won't report it
// again.
func (t *Tracker) SetReported(pk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[pk]; ok {
		rec.Reported = true
	}
}

// NextToTest returns the peer with the smallest LastTested (least recently
// checked), or ("", false) if no peer is tracked.
func (t *Tracker) NextToTest() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best string
	var bestTime time.Time
	found := false
	for pk, rec := range t.records {
		if !found || rec.LastTested.Before(bestTime) {
			best = pk
			bestTime = rec.LastTested
			found = true
		}
	}
	return best, found
}

// Len reports how many peers are currently tracked as unreachable.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
