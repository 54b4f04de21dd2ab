package pow

import "testing"

func TestCheckZeroDifficultyAlwaysPasses(t *testing.T) {
	if !Check("deadbeef", 1000, 2000, []byte("data"), 0, 0) {
		t.Fatalf("expected zero-difficulty check to always pass")
	}
}

func TestSolveThenCheck(t *testing.T) {
	nonce, ok := Solve("deadbeef", 1000, 2000, []byte("data"), 8)
	if !ok {
		t.Fatalf("expected solver to find a nonce at low difficulty")
	}
	if !Check("deadbeef", 1000, 2000, []byte("data"), nonce, 8) {
		t.Fatalf("expected solved nonce to verify")
	}
}

func TestCheckRejectsWrongNonce(t *testing.T) {
	nonce, ok := Solve("deadbeef", 1000, 2000, []byte("data"), 8)
	if !ok {
		t.Fatalf("expected solver to find a nonce")
	}
	if Check("deadbeef", 1000, 2000, []byte("data"), nonce+1, 8) {
		t.Fatalf("did not expect an unrelated nonce to verify")
	}
}
