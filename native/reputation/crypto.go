package reputation

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Recoverer recovers the signer address from a signature over message.
// Treated as a black box per spec.md §1; the default implementation below
// wraps go-ethereum's secp256k1 recovery, the same primitive already used by
// consensus/potso/evidence.ValidateEvidence and native/swap.engine for
// signature checks elsewhere in this repo.
type Recoverer interface {
	Recover(message, signature []byte) (Addr, error)
}

// Signer signs messages with a held private key. Primarily used by test
// fixtures and CLI tooling, not by the verification path itself.
type Signer interface {
	Address() Addr
	Sign(message []byte) (sig []byte, err error)
}

// EthRecoverer recovers signer addresses using Ethereum-style secp256k1
// recovery over the Keccak256 digest of the message, matching
// consensus/potso/evidence.ValidateEvidence's pipeline.
type EthRecoverer struct{}

// Recover implements Recoverer.
func (EthRecoverer) Recover(message, signature []byte) (Addr, error) {
	if len(signature) != 65 {
		return Addr{}, ErrSignatureInvalid
	}
	digest := ethcrypto.Keccak256(message)
	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return Addr{}, ErrSignatureInvalid
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	var addr Addr
	copy(addr[:], recovered.Bytes())
	return addr, nil
}
