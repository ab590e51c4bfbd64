package reputation

import "testing"

// fixedRecoverer always recovers to the address it was constructed with,
// regardless of message/signature content, letting tests drive Verify's
// control flow without real secp256k1 material.
type fixedRecoverer struct {
	addr Addr
	err  error
}

func (f fixedRecoverer) Recover(message, signature []byte) (Addr, error) {
	if f.err != nil {
		return Addr{}, f.err
	}
	return f.addr, nil
}

type fixedSigner struct {
	addr Addr
}

func (f fixedSigner) Address() Addr { return f.addr }

func (f fixedSigner) Sign(message []byte) ([]byte, error) {
	return []byte("signature"), nil
}

func TestVerifierRejectsMismatchedSigner(t *testing.T) {
	signer := testAddr(1)
	impostor := testAddr(2)
	nonces := NewNonceManager(newMemKV())
	verifier := NewVerifier(fixedRecoverer{addr: impostor}, nonces)

	env := Envelope{Signer: signer, Signature: []byte("sig"), Nonce: 1}
	err := verifier.Verify(env, "prove/"+signer.String()+"/100/1")
	if err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	// A rejected signature must never consume the nonce.
	next, nerr := nonces.Next(signer)
	if nerr != nil {
		t.Fatalf("next: %v", nerr)
	}
	if next != 1 {
		t.Fatalf("expected nonce to remain unconsumed after signature failure, next=%d", next)
	}
}

func TestVerifierRejectsRecoveryError(t *testing.T) {
	signer := testAddr(3)
	nonces := NewNonceManager(newMemKV())
	verifier := NewVerifier(fixedRecoverer{err: ErrSignatureInvalid}, nonces)

	env := Envelope{Signer: signer, Signature: []byte("sig"), Nonce: 1}
	if err := verifier.Verify(env, "vouch/"+signer.String()+"/local"); err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifierHappyPathConsumesNonce(t *testing.T) {
	signer := testAddr(4)
	nonces := NewNonceManager(newMemKV())
	verifier := NewVerifier(fixedRecoverer{addr: signer}, nonces)

	env := Envelope{Signer: signer, Signature: []byte("sig"), Nonce: 1}
	if err := verifier.Verify(env, "vouch/"+signer.String()+"/local"); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Replaying the same envelope must now fail on the nonce, not the
	// signature.
	err := verifier.Verify(env, "vouch/"+signer.String()+"/local")
	if err != ErrNonceAlreadyUsed {
		t.Fatalf("expected ErrNonceAlreadyUsed on replay, got %v", err)
	}
}

func TestVouchMessagePrefixDistinguishesServers(t *testing.T) {
	vouchee := testAddr(5)
	serverA := testAddr(6)
	serverB := testAddr(7)

	local := vouchMessagePrefix("vouch", vouchee, nil)
	a := vouchMessagePrefix("vouch", vouchee, &serverA)
	b := vouchMessagePrefix("vouch", vouchee, &serverB)

	if local == a || local == b || a == b {
		t.Fatalf("expected distinct prefixes per partition, got local=%q a=%q b=%q", local, a, b)
	}
}

func TestSignProducesVerifiableEnvelope(t *testing.T) {
	signer := fixedSigner{addr: testAddr(8)}
	nonces := NewNonceManager(newMemKV())
	verifier := NewVerifier(fixedRecoverer{addr: signer.addr}, nonces)

	prefix := simpleTargetPrefix("forget", testAddr(9))
	env, err := Sign(signer, nonces, prefix)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if env.Nonce != 1 {
		t.Fatalf("expected first signed nonce to be 1, got %d", env.Nonce)
	}

	// Verify uses its own NonceManager instance here, so it starts fresh and
	// accepts nonce 1.
	verifyNonces := NewNonceManager(newMemKV())
	verifyVerifier := NewVerifier(fixedRecoverer{addr: signer.addr}, verifyNonces)
	if err := verifyVerifier.Verify(env, prefix); err != nil {
		t.Fatalf("verify signed envelope: %v", err)
	}
}
