package reputation

import "testing"

// newTestEngine builds an engine over a fresh memKV store with a fixed clock
// and a recoverer that trusts whatever signer address the envelope claims,
// so tests can focus on verb semantics without real secp256k1 material.
func newTestEngine(now int64) *Engine {
	e := NewEngine(newMemKV(), nil, func() int64 { return now })
	e.SetRecoverer(trustingRecoverer{})
	return e
}

// trustingRecoverer recovers to the envelope's claimed signer, which is
// sufficient for exercising Engine verb gating and arithmetic; signature
// authenticity itself is covered by envelope_test.go and the cross-package
// node-level tests.
type trustingRecoverer struct{}

func (trustingRecoverer) Recover(message, signature []byte) (Addr, error) {
	if len(signature) == 0 {
		return Addr{}, ErrSignatureInvalid
	}
	var addr Addr
	copy(addr[:], signature)
	return addr, nil
}

func envelopeFor(signer Addr, nonce uint64) Envelope {
	return Envelope{Signer: signer, Signature: signer[:], Nonce: nonce}
}

func TestEngineProveHappyPath(t *testing.T) {
	e := newTestEngine(1000)
	moderator := testAddr(1)
	user := testAddr(2)

	if err := e.Seed(BootstrapConfig{Moderators: []Addr{moderator}, Genesis: map[Addr]uint64{}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := ProveRequest{Envelope: envelopeFor(moderator, 1), User: user, Amount: 5000, ProofID: 1}
	if err := e.Prove(nil, req); err != nil {
		t.Fatalf("prove: %v", err)
	}

	got, err := e.Balance(user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != 5000 {
		t.Fatalf("expected balance 5000, got %d", got)
	}
}

func TestEngineProveRejectsNonModerator(t *testing.T) {
	e := newTestEngine(1000)
	notModerator := testAddr(3)
	user := testAddr(4)

	req := ProveRequest{Envelope: envelopeFor(notModerator, 1), User: user, Amount: 1000, ProofID: 1}
	err := e.Prove(nil, req)
	if ClassifyError(err) != CategoryUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestEngineProveRejectsAboveLimit(t *testing.T) {
	e := newTestEngine(1000)
	moderator := testAddr(5)
	user := testAddr(6)
	if err := e.Seed(BootstrapConfig{Moderators: []Addr{moderator}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := ProveRequest{Envelope: envelopeFor(moderator, 1), User: user, Amount: MaxIDTByProof + 1, ProofID: 1}
	err := e.Prove(nil, req)
	if ClassifyError(err) != CategoryLimitExceeded {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
}

func TestEngineProveRejectsReplayedNonce(t *testing.T) {
	e := newTestEngine(1000)
	moderator := testAddr(7)
	user := testAddr(8)
	if err := e.Seed(BootstrapConfig{Moderators: []Addr{moderator}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := ProveRequest{Envelope: envelopeFor(moderator, 1), User: user, Amount: 1000, ProofID: 1}
	if err := e.Prove(nil, req); err != nil {
		t.Fatalf("first prove: %v", err)
	}
	if err := e.Prove(nil, req); ClassifyError(err) != CategoryNonceAlreadyUsed {
		t.Fatalf("expected nonce replay rejection, got %v", err)
	}
}

func TestEngineVouchAndForgetRoundTrip(t *testing.T) {
	e := newTestEngine(2000)
	moderator := testAddr(9)
	voucher := testAddr(10)
	vouchee := testAddr(11)
	if err := e.Seed(BootstrapConfig{Moderators: []Addr{moderator}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	proveReq := ProveRequest{Envelope: envelopeFor(moderator, 1), User: voucher, Amount: 10000, ProofID: 1}
	if err := e.Prove(nil, proveReq); err != nil {
		t.Fatalf("prove: %v", err)
	}

	vouchReq := VouchRequest{Envelope: envelopeFor(voucher, 1), Vouchee: vouchee}
	if err := e.Vouch(nil, vouchReq); err != nil {
		t.Fatalf("vouch: %v", err)
	}
	balance, err := e.Balance(vouchee)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1000 {
		t.Fatalf("expected vouchee balance 1000, got %d", balance)
	}

	forgetReq := ForgetRequest{Envelope: envelopeFor(voucher, 2), Vouchee: vouchee}
	if err := e.Forget(nil, forgetReq); err != nil {
		t.Fatalf("forget: %v", err)
	}
	penalty, err := e.Penalty(voucher)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if penalty != ForgetPenaltyBase {
		t.Fatalf("expected forget-penalty %d, got %d", ForgetPenaltyBase, penalty)
	}
}

func TestEngineRoleVerbsGatedByAdmin(t *testing.T) {
	e := newTestEngine(1000)
	admin := testAddr(12)
	outsider := testAddr(13)
	target := testAddr(14)
	if err := e.Seed(BootstrapConfig{Admins: []Addr{admin}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	badReq := RoleRequest{Envelope: envelopeFor(outsider, 1), Target: target}
	if err := e.AddModerator(nil, badReq); ClassifyError(err) != CategoryUnauthorized {
		t.Fatalf("expected unauthorized for non-admin caller, got %v", err)
	}

	goodReq := RoleRequest{Envelope: envelopeFor(admin, 1), Target: target}
	if err := e.AddModerator(nil, goodReq); err != nil {
		t.Fatalf("add moderator: %v", err)
	}
	isMod, err := e.roles.IsModerator(target)
	if err != nil || !isMod {
		t.Fatalf("expected target to become moderator: ok=%v err=%v", isMod, err)
	}
}

func TestEngineServerVerbsGatedByAdmin(t *testing.T) {
	e := newTestEngine(1000)
	admin := testAddr(15)
	outsider := testAddr(16)
	server := testAddr(17)
	if err := e.Seed(BootstrapConfig{Admins: []Addr{admin}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	badReq := ServerRequest{Envelope: envelopeFor(outsider, 1), Server: server, URL: "https://partner.example", Scale: 10_000}
	if err := e.AddServer(nil, badReq); ClassifyError(err) != CategoryUnauthorized {
		t.Fatalf("expected unauthorized for non-admin caller, got %v", err)
	}

	goodReq := ServerRequest{Envelope: envelopeFor(admin, 1), Server: server, URL: "https://partner.example", Scale: 10_000}
	if err := e.AddServer(nil, goodReq); err != nil {
		t.Fatalf("add server: %v", err)
	}
	info, ok, err := e.servers.Get(server)
	if err != nil || !ok {
		t.Fatalf("get server: ok=%v err=%v", ok, err)
	}
	if info.URL != "https://partner.example" {
		t.Fatalf("unexpected server info: %+v", info)
	}

	removeReq := ServerRequest{Envelope: envelopeFor(admin, 2), Server: server}
	if err := e.RemoveServer(nil, removeReq); err != nil {
		t.Fatalf("remove server: %v", err)
	}
	if _, ok, err := e.servers.Get(server); err != nil || ok {
		t.Fatalf("expected server removed: ok=%v err=%v", ok, err)
	}
}
