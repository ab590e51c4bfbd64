package reputation

import "testing"

func TestPenaltyDirectFromModerator(t *testing.T) {
	ledger, _, penalty, _ := newTestCalculators(1000)
	user := testAddr(1)
	moderator := testAddr(2)

	if err := ledger.PutPenalty(user, PenaltyRecord{Moderator: moderator, Amount: 400, ProofID: 1, Timestamp: 1000}); err != nil {
		t.Fatalf("put penalty: %v", err)
	}
	got, err := penalty.Penalty(user)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if got != 400 {
		t.Fatalf("expected undecayed penalty 400, got %d", got)
	}
}

func TestPenaltyDecaysOverTime(t *testing.T) {
	ledger, _, penalty, _ := newTestCalculators(1000 + 5*DecayPeriodSeconds)
	user := testAddr(3)
	moderator := testAddr(4)

	if err := ledger.PutPenalty(user, PenaltyRecord{Moderator: moderator, Amount: 400, ProofID: 1, Timestamp: 1000}); err != nil {
		t.Fatalf("put penalty: %v", err)
	}
	got, err := penalty.Penalty(user)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if got != 395 {
		t.Fatalf("expected penalty decayed by 5 units to 395, got %d", got)
	}
}

func TestPenaltyUnknownUserIsZero(t *testing.T) {
	_, _, penalty, _ := newTestCalculators(1000)
	got, err := penalty.Penalty(testAddr(5))
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected zero penalty for unknown user, got %d", got)
	}
}

func TestPenaltyForgetContributesAndReapsWhenZero(t *testing.T) {
	ledger, _, penalty, _ := newTestCalculators(1000)
	user := testAddr(6)
	forgottenFresh := testAddr(7)
	forgottenStale := testAddr(8)

	if err := ledger.PutForgetPenalty(user, forgottenFresh, ForgetPenalty{Amount: 500, Timestamp: 1000}); err != nil {
		t.Fatalf("put fresh forget-penalty: %v", err)
	}
	ancient := 1000 - 600*DecayPeriodSeconds
	if err := ledger.PutForgetPenalty(user, forgottenStale, ForgetPenalty{Amount: 500, Timestamp: ancient}); err != nil {
		t.Fatalf("put stale forget-penalty: %v", err)
	}

	got, err := penalty.Penalty(user)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if got != 500 {
		t.Fatalf("expected only the fresh forget-penalty to contribute (500), got %d", got)
	}

	if _, ok, err := ledger.ForgetPenaltyOf(user, forgottenStale); err != nil {
		t.Fatalf("forget-penalty lookup: %v", err)
	} else if ok {
		t.Fatalf("expected fully decayed stale forget-penalty to be reaped")
	}
	if _, ok, err := ledger.ForgetPenaltyOf(user, forgottenFresh); err != nil {
		t.Fatalf("forget-penalty lookup: %v", err)
	} else if !ok {
		t.Fatalf("expected fresh forget-penalty to survive")
	}
}

func TestPenaltyVoucheeContributionCappedAndDampened(t *testing.T) {
	ledger, vouches, penalty, _ := newTestCalculators(1000)
	voucher := testAddr(9)
	vouchee := testAddr(10)
	moderator := testAddr(11)

	// Vouchee's own penalty far exceeds MaxVoucheePenalty; the voucher's
	// inherited contribution must cap there before the 1/10 dampening.
	if err := ledger.PutPenalty(vouchee, PenaltyRecord{Moderator: moderator, Amount: MaxVoucheePenalty * 10, ProofID: 1, Timestamp: 1000}); err != nil {
		t.Fatalf("put vouchee penalty: %v", err)
	}
	if err := vouches.Vouch(voucher, vouchee, nil, 1000); err != nil {
		t.Fatalf("vouch: %v", err)
	}

	got, err := penalty.Penalty(voucher)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	expected := MaxVoucheePenalty / VoucherWeightDenominator
	if got != expected {
		t.Fatalf("expected capped+dampened penalty %d, got %d", expected, got)
	}
}
