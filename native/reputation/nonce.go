package reputation

import (
	"fmt"
	"math"
	"sync"
)

// nonceState abstracts the persistence backend for the per-signer
// high-water mark, matching the ledgerState/vouchState storage seams.
type nonceState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var nonceKeyPrefix = []byte("reputation/nonce/")

func nonceKey(addr Addr) []byte {
	return append(append([]byte(nil), nonceKeyPrefix...), addr[:]...)
}

type storedNonce struct {
	MaxConsumed uint64
	Used        bool
}

// NonceManager enforces strict per-signer nonce monotonicity. use_nonce is
// the only authoritative gate; next is advisory and never mutates state.
//
// Grounded on the reference InMemoryNonceManager (verify/nonce/mod.rs):
// next_nonce reads the high-water mark without locking it in, use_nonce
// performs the atomic compare-and-advance under a single critical section
// per signer, matching spec.md §5's "use_nonce is serialized per signer."
type NonceManager struct {
	mu    sync.Mutex
	store nonceState
}

// NewNonceManager constructs a manager backed by the provided storage.
func NewNonceManager(store nonceState) *NonceManager {
	return &NonceManager{store: store}
}

// Next returns the smallest nonce addr may submit next. It does not reserve
// anything; concurrent callers may observe the same value.
func (n *NonceManager) Next(addr Addr) (uint64, error) {
	if n == nil || n.store == nil {
		return 0, ErrStorageUnavailable
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	current, err := n.maxConsumedLocked(addr)
	if err != nil {
		return 0, err
	}
	if current == math.MaxUint64 {
		return 0, ErrNonceOverflow
	}
	return current + 1, nil
}

// UseNonce succeeds iff n > max_consumed(addr), atomically advancing the
// high-water mark on success. It is the only operation that ever consumes a
// nonce.
func (n *NonceManager) UseNonce(addr Addr, nonce uint64) error {
	if n == nil || n.store == nil {
		return ErrStorageUnavailable
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	current, err := n.maxConsumedLocked(addr)
	if err != nil {
		return err
	}
	if nonce <= current {
		return ErrNonceAlreadyUsed
	}
	if err := n.store.KVPut(nonceKey(addr), &storedNonce{MaxConsumed: nonce, Used: true}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (n *NonceManager) maxConsumedLocked(addr Addr) (uint64, error) {
	var rec storedNonce
	ok, err := n.store.KVGet(nonceKey(addr), &rec)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return 0, nil
	}
	return rec.MaxConsumed, nil
}
