package reputation

import "testing"

func testAddr(seed byte) Addr {
	var a Addr
	for i := range a {
		a[i] = seed
	}
	return a
}

func TestLedgerProofReplacement(t *testing.T) {
	store := newMemKV()
	ledger := NewLedger(store)

	user := testAddr(1)
	moderator := testAddr(2)

	if err := ledger.PutProof(user, ProofRecord{Moderator: moderator, Amount: 5000, ProofID: 1, Timestamp: 1000}); err != nil {
		t.Fatalf("put proof: %v", err)
	}
	rec, ok, err := ledger.Proof(user)
	if err != nil || !ok {
		t.Fatalf("proof(user): ok=%v err=%v", ok, err)
	}
	if rec.Amount != 5000 || rec.ProofID != 1 {
		t.Fatalf("unexpected proof record: %+v", rec)
	}

	if err := ledger.PutProof(user, ProofRecord{Moderator: moderator, Amount: 9000, ProofID: 2, Timestamp: 2000}); err != nil {
		t.Fatalf("replace proof: %v", err)
	}
	rec, ok, err = ledger.Proof(user)
	if err != nil || !ok {
		t.Fatalf("proof(user) after replace: ok=%v err=%v", ok, err)
	}
	if rec.Amount != 9000 || rec.ProofID != 2 {
		t.Fatalf("expected proof to be replaced wholesale, got %+v", rec)
	}
}

func TestLedgerProofMissing(t *testing.T) {
	store := newMemKV()
	ledger := NewLedger(store)
	_, ok, err := ledger.Proof(testAddr(3))
	if err != nil {
		t.Fatalf("proof lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected no proof for unknown user")
	}
}

func TestLedgerPenaltyReplacement(t *testing.T) {
	store := newMemKV()
	ledger := NewLedger(store)
	user := testAddr(4)
	moderator := testAddr(5)

	if err := ledger.PutPenalty(user, PenaltyRecord{Moderator: moderator, Amount: 100, ProofID: 1, Timestamp: 10}); err != nil {
		t.Fatalf("put penalty: %v", err)
	}
	if err := ledger.PutPenalty(user, PenaltyRecord{Moderator: moderator, Amount: 300, ProofID: 2, Timestamp: 20}); err != nil {
		t.Fatalf("replace penalty: %v", err)
	}
	rec, ok, err := ledger.Penalty(user)
	if err != nil || !ok {
		t.Fatalf("penalty(user): ok=%v err=%v", ok, err)
	}
	if rec.Amount != 300 {
		t.Fatalf("expected latest penalty to win, got %+v", rec)
	}
}

func TestLedgerForgetPenaltyIndexAndDeletion(t *testing.T) {
	store := newMemKV()
	ledger := NewLedger(store)
	owner := testAddr(6)
	forgottenA := testAddr(7)
	forgottenB := testAddr(8)

	if err := ledger.PutForgetPenalty(owner, forgottenA, ForgetPenalty{Amount: 500, Timestamp: 1}); err != nil {
		t.Fatalf("put forget-penalty a: %v", err)
	}
	if err := ledger.PutForgetPenalty(owner, forgottenB, ForgetPenalty{Amount: 600, Timestamp: 2}); err != nil {
		t.Fatalf("put forget-penalty b: %v", err)
	}

	users, err := ledger.ForgottenUsers(owner)
	if err != nil {
		t.Fatalf("forgotten users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 forgotten users, got %d", len(users))
	}

	// Re-putting an existing forgotten user must not duplicate the index.
	if err := ledger.PutForgetPenalty(owner, forgottenA, ForgetPenalty{Amount: 501, Timestamp: 3}); err != nil {
		t.Fatalf("re-put forget-penalty a: %v", err)
	}
	users, err = ledger.ForgottenUsers(owner)
	if err != nil {
		t.Fatalf("forgotten users after re-put: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected re-put to not duplicate the index, got %d entries", len(users))
	}

	if err := ledger.DeleteForgetPenalty(owner, forgottenA); err != nil {
		t.Fatalf("delete forget-penalty a: %v", err)
	}
	users, err = ledger.ForgottenUsers(owner)
	if err != nil {
		t.Fatalf("forgotten users after delete: %v", err)
	}
	if len(users) != 1 || users[0] != forgottenB {
		t.Fatalf("expected only forgottenB to remain, got %+v", users)
	}

	_, ok, err := ledger.ForgetPenaltyOf(owner, forgottenA)
	if err != nil {
		t.Fatalf("forget-penalty lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected deleted forget-penalty to be gone")
	}
}

func TestLedgerGenesis(t *testing.T) {
	store := newMemKV()
	ledger := NewLedger(store)
	user := testAddr(9)

	_, ok, err := ledger.Genesis(user)
	if err != nil {
		t.Fatalf("genesis lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected no genesis balance before seeding")
	}

	if err := ledger.SetGenesis(user, 2500); err != nil {
		t.Fatalf("set genesis: %v", err)
	}
	balance, ok, err := ledger.Genesis(user)
	if err != nil || !ok {
		t.Fatalf("genesis(user): ok=%v err=%v", ok, err)
	}
	if balance != 2500 {
		t.Fatalf("expected genesis balance 2500, got %d", balance)
	}
}
