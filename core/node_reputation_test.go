package core

import (
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	nhbstate "nhbchain/core/state"
	"nhbchain/crypto"
	"nhbchain/native/reputation"
)

type testSigner struct {
	key  *crypto.PrivateKey
	addr reputation.Addr
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testSigner{key: key, addr: reputation.Addr(toAddress(key))}
}

func (s testSigner) Address() reputation.Addr { return s.addr }

func (s testSigner) Sign(message []byte) ([]byte, error) {
	digest := ethcrypto.Keccak256(message)
	return ethcrypto.Sign(digest, s.key.PrivateKey)
}

func seedReputationRoles(t *testing.T, node *Node, admins, moderators []reputation.Addr) {
	t.Helper()
	node.stateMu.Lock()
	defer node.stateMu.Unlock()
	manager := nhbstate.NewManager(node.state.Trie)
	roles := reputation.NewRoleStore(manager)
	if err := roles.Seed(admins, moderators); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
}

func sign(t *testing.T, node *Node, signer testSigner, prefix string) reputation.Envelope {
	t.Helper()
	node.stateMu.Lock()
	manager := nhbstate.NewManager(node.state.Trie)
	nonces := reputation.NewNonceManager(manager)
	node.stateMu.Unlock()
	env, err := reputation.Sign(signer, nonces, prefix)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return env
}

func TestNodeReputationProveAuthorized(t *testing.T) {
	node := newTestNode(t)
	fixed := time.Unix(1_700_000_000, 0).UTC()
	node.SetTimeSource(func() time.Time { return fixed })

	moderator := newTestSigner(t)
	subject := newTestSigner(t)
	seedReputationRoles(t, node, nil, []reputation.Addr{moderator.addr})

	prefix := "prove/" + subject.addr.String() + "/5000/1"
	env := sign(t, node, moderator, prefix)

	err := node.ReputationProve(reputation.ProveRequest{
		Envelope: env,
		User:     subject.addr,
		Amount:   5000,
		ProofID:  1,
	})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	balance, err := node.ReputationBalance(subject.addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 5000 {
		t.Fatalf("expected balance 5000, got %d", balance)
	}

	events := node.Events()
	if len(events) == 0 {
		t.Fatalf("expected event to be emitted")
	}
	evt := events[len(events)-1]
	if evt.Type != reputation.TypeReputationProofIssued {
		t.Fatalf("expected event type %q, got %q", reputation.TypeReputationProofIssued, evt.Type)
	}
}

func TestNodeReputationProveUnauthorized(t *testing.T) {
	node := newTestNode(t)
	node.SetTimeSource(func() time.Time { return time.Unix(1_700_000_100, 0).UTC() })

	notModerator := newTestSigner(t)
	subject := newTestSigner(t)

	prefix := "prove/" + subject.addr.String() + "/5000/1"
	env := sign(t, node, notModerator, prefix)

	initialEvents := len(node.Events())
	err := node.ReputationProve(reputation.ProveRequest{
		Envelope: env,
		User:     subject.addr,
		Amount:   5000,
		ProofID:  1,
	})
	if err == nil {
		t.Fatalf("expected unauthorized error")
	}
	if reputation.ClassifyError(err) != reputation.CategoryUnauthorized {
		t.Fatalf("expected unauthorized category, got %v", err)
	}
	if len(node.Events()) != initialEvents {
		t.Fatalf("expected no events to be emitted on failure")
	}
}

func TestNodeReputationProveExceedsLimit(t *testing.T) {
	node := newTestNode(t)
	node.SetTimeSource(func() time.Time { return time.Unix(1_700_000_200, 0).UTC() })

	moderator := newTestSigner(t)
	subject := newTestSigner(t)
	seedReputationRoles(t, node, nil, []reputation.Addr{moderator.addr})

	prefix := "prove/" + subject.addr.String() + "/999999/1"
	env := sign(t, node, moderator, prefix)

	err := node.ReputationProve(reputation.ProveRequest{
		Envelope: env,
		User:     subject.addr,
		Amount:   999_999,
		ProofID:  1,
	})
	if reputation.ClassifyError(err) != reputation.CategoryLimitExceeded {
		t.Fatalf("expected limit exceeded category, got %v", err)
	}
}

func TestNodeReputationVouchAndForget(t *testing.T) {
	node := newTestNode(t)
	fixed := time.Unix(1_700_100_000, 0).UTC()
	node.SetTimeSource(func() time.Time { return fixed })

	moderator := newTestSigner(t)
	voucher := newTestSigner(t)
	vouchee := newTestSigner(t)
	seedReputationRoles(t, node, nil, []reputation.Addr{moderator.addr})

	provePrefix := "prove/" + voucher.addr.String() + "/10000/1"
	proveEnv := sign(t, node, moderator, provePrefix)
	if err := node.ReputationProve(reputation.ProveRequest{
		Envelope: proveEnv,
		User:     voucher.addr,
		Amount:   10000,
		ProofID:  1,
	}); err != nil {
		t.Fatalf("prove: %v", err)
	}

	vouchPrefix := "vouch/" + vouchee.addr.String() + "/local"
	vouchEnv := sign(t, node, voucher, vouchPrefix)
	if err := node.ReputationVouch(reputation.VouchRequest{Envelope: vouchEnv, Vouchee: vouchee.addr}); err != nil {
		t.Fatalf("vouch: %v", err)
	}

	balance, err := node.ReputationBalance(vouchee.addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1000 {
		t.Fatalf("expected vouchee balance 1000, got %d", balance)
	}

	forgetPrefix := "forget/" + vouchee.addr.String() + "/local"
	forgetEnv := sign(t, node, voucher, forgetPrefix)
	if err := node.ReputationForget(reputation.ForgetRequest{Envelope: forgetEnv, Vouchee: vouchee.addr}); err != nil {
		t.Fatalf("forget: %v", err)
	}

	penalty, err := node.ReputationPenalty(voucher.addr)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if penalty != reputation.ForgetPenaltyBase {
		t.Fatalf("expected forget-penalty %d, got %d", reputation.ForgetPenaltyBase, penalty)
	}
}
