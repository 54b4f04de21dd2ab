package reachability

import (
	"testing"
	"time"
)

func TestFirstFailureDoesNotReport(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(func() time.Time { return now })
	if tr.RecordUnreachable("peer-a") {
		t.Fatalf("first failure must not report")
	}
	if tr.Len() != 1 {
		t.Fatalf("expected 1 tracked peer, got %d", tr.Len())
	}
}

func TestRepeatFailureWithinGraceDoesNotReport(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(func() time.Time { return now })
	tr.RecordUnreachable("peer-a")
	now = now.Add(30 * time.Minute)
	if tr.RecordUnreachable("peer-a") {
		t.Fatalf("failure within grace period must not report")
	}
}

func TestRepeatFailurePastGraceReports(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(func() time.Time { return now })
	tr.RecordUnreachable("peer-a")
	now = now.Add(GracePeriod + time.Minute)
	if !tr.RecordUnreachable("peer-a") {
		t.Fatalf("failure past grace period must report")
	}
}

func TestAlreadyReportedSuppressesFurtherReports(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(func() time.Time { return now })
	tr.RecordUnreachable("peer-a")
	now = now.Add(GracePeriod + time.Minute)
	if !tr.RecordUnreachable("peer-a") {
		t.Fatalf("expected report on first past-grace check")
	}
	tr.SetReported("peer-a")

	now = now.Add(time.Hour)
	if tr.RecordUnreachable("peer-a") {
		t.Fatalf("expected no further report once already reported")
	}
}

func TestExpireRemovesRecord(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(func() time.Time { return now })
	tr.RecordUnreachable("peer-a")
	if !tr.Expire("peer-a") {
		t.Fatalf("expected Expire to report removal")
	}
	if tr.Expire("peer-a") {
		t.Fatalf("expected second Expire to report nothing removed")
	}
	if tr.Len() != 0 {
		t.Fatalf("expected 0 tracked peers after expiry, got %d", tr.Len())
	}
}

func TestNextToTestPicksLeastRecentlyTested(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(func() time.Time { return now })
	tr.RecordUnreachable("peer-a")
	now = now.Add(time.Minute)
	tr.RecordUnreachable("peer-b")
	now = now.Add(time.Minute)
	tr.RecordUnreachable("peer-c")

	// peer-a was tested earliest (t=1000) and never touched again, so it
	// remains the least recently tested.
	got, ok := tr.NextToTest()
	if !ok || got != "peer-a" {
		t.Fatalf("expected peer-a as next to test, got %q ok=%v", got, ok)
	}

	// Re-touching peer-a should move it to most-recent, making peer-b next.
	now = now.Add(time.Minute)
	tr.RecordUnreachable("peer-a")
	got, ok = tr.NextToTest()
	if !ok || got != "peer-b" {
		t.Fatalf("expected peer-b as next to test, got %q ok=%v", got, ok)
	}
}

func TestNextToTestEmptyTracker(t *testing.T) {
	tr := New(nil)
	if _, ok := tr.NextToTest(); ok {
		t.Fatalf("expected ok=false on empty tracker")
	}
}
