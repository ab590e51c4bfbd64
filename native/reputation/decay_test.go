package reputation

import "testing"

func TestFlatDecay(t *testing.T) {
	cases := []struct {
		name     string
		eventTS  int64
		now      int64
		expected int64
	}{
		{"same instant", 1000, 1000, 0},
		{"half a period", 1000, 1000 + DecayPeriodSeconds/2, 0},
		{"exactly one period", 1000, 1000 + DecayPeriodSeconds, 1},
		{"three and a bit periods", 1000, 1000 + 3*DecayPeriodSeconds + 17, 3},
		{"future event clamps to zero", 2000, 1000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FlatDecay(tc.eventTS, tc.now); got != tc.expected {
				t.Fatalf("FlatDecay(%d, %d) = %d, want %d", tc.eventTS, tc.now, got, tc.expected)
			}
		})
	}
}

func TestBalanceAfterDecay(t *testing.T) {
	cases := []struct {
		name     string
		amount   uint64
		decay    int64
		expected uint64
	}{
		{"no decay", 500, 0, 500},
		{"negative decay clamps to no-op", 500, -5, 500},
		{"partial decay", 500, 3, 497},
		{"decay exactly consumes amount", 500, 500, 0},
		{"decay exceeds amount saturates at zero", 500, 600, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BalanceAfterDecay(tc.amount, tc.decay); got != tc.expected {
				t.Fatalf("BalanceAfterDecay(%d, %d) = %d, want %d", tc.amount, tc.decay, got, tc.expected)
			}
		})
	}
}
