package reputation

import "testing"

func TestNonceManagerFirstUseMustExceedZero(t *testing.T) {
	nm := NewNonceManager(newMemKV())
	addr := testAddr(1)

	if err := nm.UseNonce(addr, 0); err == nil {
		t.Fatalf("expected nonce 0 to be rejected")
	}
	if err := nm.UseNonce(addr, 1); err != nil {
		t.Fatalf("use nonce 1: %v", err)
	}
}

func TestNonceManagerStrictlyIncreasing(t *testing.T) {
	nm := NewNonceManager(newMemKV())
	addr := testAddr(2)

	if err := nm.UseNonce(addr, 5); err != nil {
		t.Fatalf("use nonce 5: %v", err)
	}
	if err := nm.UseNonce(addr, 5); err == nil {
		t.Fatalf("expected replay of nonce 5 to be rejected")
	}
	if err := nm.UseNonce(addr, 3); err == nil {
		t.Fatalf("expected lower nonce 3 to be rejected after 5 was consumed")
	}
	if err := nm.UseNonce(addr, 6); err != nil {
		t.Fatalf("use nonce 6: %v", err)
	}
}

func TestNonceManagerNextIsAdvisory(t *testing.T) {
	nm := NewNonceManager(newMemKV())
	addr := testAddr(3)

	next, err := nm.Next(addr)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected first advisory nonce 1, got %d", next)
	}

	// Next never mutates state: calling it repeatedly returns the same value.
	again, err := nm.Next(addr)
	if err != nil {
		t.Fatalf("next again: %v", err)
	}
	if again != next {
		t.Fatalf("expected Next to be idempotent, got %d then %d", next, again)
	}

	if err := nm.UseNonce(addr, next); err != nil {
		t.Fatalf("use advised nonce: %v", err)
	}
	after, err := nm.Next(addr)
	if err != nil {
		t.Fatalf("next after use: %v", err)
	}
	if after != next+1 {
		t.Fatalf("expected advisory nonce to advance to %d, got %d", next+1, after)
	}
}

func TestNonceManagerPerSignerIsolation(t *testing.T) {
	nm := NewNonceManager(newMemKV())
	a := testAddr(4)
	b := testAddr(5)

	if err := nm.UseNonce(a, 1); err != nil {
		t.Fatalf("use nonce for a: %v", err)
	}
	if err := nm.UseNonce(b, 1); err != nil {
		t.Fatalf("use nonce for b should be independent of a: %v", err)
	}
}
