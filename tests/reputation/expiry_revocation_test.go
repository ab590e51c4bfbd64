package reputation_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"nhbchain/native/reputation"
)

type memoryStore struct {
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = encoded
	return nil
}

func (m *memoryStore) KVGet(key []byte, out interface{}) (bool, error) {
	encoded, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *memoryStore) KVDelete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

// TestForgetPenaltyDecayScenario replays the worked "forget decay" example:
// A is proven at 10000, vouches for B and C, then forgets both at staggered
// ages. The resulting penalty and balance must match the reference
// arithmetic exactly.
func TestForgetPenaltyDecayScenario(t *testing.T) {
	store := newMemoryStore()
	ledger := reputation.NewLedger(store)
	vouches := reputation.NewVouchStore(store)

	var now int64 = 1_700_000_000
	nowFn := func() int64 { return now }

	penaltyCalc := reputation.NewPenaltyCalculator(ledger, vouches, nowFn)
	balanceCalc := reputation.NewBalanceCalculator(ledger, vouches, penaltyCalc)

	var moderator, a, b, c reputation.Addr
	copy(moderator[:], []byte("moderator-address-01"))
	copy(a[:], []byte("user-a-address-000001"))
	copy(b[:], []byte("user-b-address-000002"))
	copy(c[:], []byte("user-c-address-000003"))

	if err := ledger.PutProof(a, reputation.ProofRecord{Moderator: moderator, Amount: 10000, ProofID: 1, Timestamp: now}); err != nil {
		t.Fatalf("put proof: %v", err)
	}
	if err := vouches.Vouch(a, b, nil, now); err != nil {
		t.Fatalf("vouch a->b: %v", err)
	}
	if err := vouches.Vouch(a, c, nil, now); err != nil {
		t.Fatalf("vouch a->c: %v", err)
	}

	forgetWithTimestamp := func(voucher, vouchee reputation.Addr, ts int64) {
		t.Helper()
		voucheePenalty, err := penaltyCalc.Penalty(vouchee)
		if err != nil {
			t.Fatalf("penalty(%s): %v", vouchee, err)
		}
		if err := vouches.Remove(voucher, vouchee, nil); err != nil {
			t.Fatalf("remove vouch: %v", err)
		}
		amount := reputation.ForgetPenaltyBase + voucheePenalty/reputation.VoucherWeightDenominator
		if err := ledger.PutForgetPenalty(voucher, vouchee, reputation.ForgetPenalty{Amount: amount, Timestamp: ts}); err != nil {
			t.Fatalf("put forget-penalty: %v", err)
		}
	}

	forgetWithTimestamp(a, b, now-2*reputation.DecayPeriodSeconds)
	forgetWithTimestamp(a, c, now-reputation.DecayPeriodSeconds)

	penalty, err := penaltyCalc.Penalty(a)
	if err != nil {
		t.Fatalf("penalty(a): %v", err)
	}
	if penalty != 997 {
		t.Fatalf("expected penalty(a) = 997, got %d", penalty)
	}

	balance, err := balanceCalc.Balance(a)
	if err != nil {
		t.Fatalf("balance(a): %v", err)
	}
	if balance != 9003 {
		t.Fatalf("expected balance(a) = 9003, got %d", balance)
	}
}

// TestForgetPenaltyLazyReaping confirms a fully decayed forget-penalty is
// deleted the next time it is walked, per the lazy-reaping rule.
func TestForgetPenaltyLazyReaping(t *testing.T) {
	store := newMemoryStore()
	ledger := reputation.NewLedger(store)
	vouches := reputation.NewVouchStore(store)

	var now int64 = 1_700_000_000
	nowFn := func() int64 { return now }
	penaltyCalc := reputation.NewPenaltyCalculator(ledger, vouches, nowFn)

	var a, b reputation.Addr
	copy(a[:], []byte("user-a-address-000001"))
	copy(b[:], []byte("user-b-address-000002"))

	ancient := now - 600*reputation.DecayPeriodSeconds
	if err := ledger.PutForgetPenalty(a, b, reputation.ForgetPenalty{Amount: 500, Timestamp: ancient}); err != nil {
		t.Fatalf("put forget-penalty: %v", err)
	}

	if _, err := penaltyCalc.Penalty(a); err != nil {
		t.Fatalf("penalty(a): %v", err)
	}

	if _, ok, err := ledger.ForgetPenaltyOf(a, b); err != nil {
		t.Fatalf("forget penalty lookup: %v", err)
	} else if ok {
		t.Fatalf("expected fully decayed forget-penalty to be reaped")
	}
}
