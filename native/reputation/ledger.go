package reputation

import "fmt"

// ledgerState abstracts the subset of state manager functionality required
// by the proof/penalty/forget-penalty/genesis ledger, matching the
// storage seam already used by native/pos.lifecycleState and the teacher's
// original native/reputation.storage interface.
type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var (
	proofKeyPrefix         = []byte("reputation/proof/")
	penaltyKeyPrefix       = []byte("reputation/penalty/")
	forgetPenaltyKeyPrefix = []byte("reputation/forget/")
	genesisKeyPrefix       = []byte("reputation/genesis/")
)

func proofKey(user Addr) []byte {
	return append(append([]byte(nil), proofKeyPrefix...), user[:]...)
}

func penaltyKey(user Addr) []byte {
	return append(append([]byte(nil), penaltyKeyPrefix...), user[:]...)
}

func forgetPenaltyKey(owner, forgotten Addr) []byte {
	key := append([]byte(nil), forgetPenaltyKeyPrefix...)
	key = append(key, owner[:]...)
	key = append(key, forgotten[:]...)
	return key
}

var forgetPenaltyIndexPrefix = []byte("reputation/forget-index/")

func forgetPenaltyIndexKey(owner Addr) []byte {
	return append(append([]byte(nil), forgetPenaltyIndexPrefix...), owner[:]...)
}

func genesisKey(user Addr) []byte {
	return append(append([]byte(nil), genesisKeyPrefix...), user[:]...)
}

// Ledger persists proofs, moderator-penalties, forget-penalties and genesis
// balances. It is the direct descendant of the teacher's skill-attestation
// Ledger, generalised from a single skill/verifier keyspace to the four
// record kinds the reputation protocol requires.
type Ledger struct {
	store ledgerState
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store ledgerState) *Ledger {
	return &Ledger{store: store}
}

// storedProof is the rlp-serializable projection of ProofRecord. go-ethereum's
// rlp does not encode signed integers, so the wall-clock timestamp is carried
// as uint64 on the wire and converted back at read time, matching the
// teacher's storedSkillVerification (IssuedAt/ExpiresAt uint64) convention.
type storedProof struct {
	Moderator Addr
	Amount    uint64
	ProofID   uint64
	Timestamp uint64
}

func toStoredProof(rec ProofRecord) storedProof {
	return storedProof{Moderator: rec.Moderator, Amount: rec.Amount, ProofID: rec.ProofID, Timestamp: uint64(rec.Timestamp)}
}

func (s storedProof) toRecord() ProofRecord {
	return ProofRecord{Moderator: s.Moderator, Amount: s.Amount, ProofID: s.ProofID, Timestamp: int64(s.Timestamp)}
}

// storedPenalty is the rlp-serializable projection of PenaltyRecord.
type storedPenalty struct {
	Moderator Addr
	Amount    uint64
	ProofID   uint64
	Timestamp uint64
}

func toStoredPenalty(rec PenaltyRecord) storedPenalty {
	return storedPenalty{Moderator: rec.Moderator, Amount: rec.Amount, ProofID: rec.ProofID, Timestamp: uint64(rec.Timestamp)}
}

func (s storedPenalty) toRecord() PenaltyRecord {
	return PenaltyRecord{Moderator: s.Moderator, Amount: s.Amount, ProofID: s.ProofID, Timestamp: int64(s.Timestamp)}
}

// storedForgetPenalty is the rlp-serializable projection of ForgetPenalty.
type storedForgetPenalty struct {
	Amount    uint64
	Timestamp uint64
}

func toStoredForgetPenalty(rec ForgetPenalty) storedForgetPenalty {
	return storedForgetPenalty{Amount: rec.Amount, Timestamp: uint64(rec.Timestamp)}
}

func (s storedForgetPenalty) toRecord() ForgetPenalty {
	return ForgetPenalty{Amount: s.Amount, Timestamp: int64(s.Timestamp)}
}

// PutProof replaces the proof record for user. amount must already have been
// validated against MaxIDTByProof by the caller (the Prove verb).
func (l *Ledger) PutProof(user Addr, rec ProofRecord) error {
	if l == nil || l.store == nil {
		return ErrStorageUnavailable
	}
	stored := toStoredProof(rec)
	if err := l.store.KVPut(proofKey(user), &stored); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Proof returns the current proof record for user, if any.
func (l *Ledger) Proof(user Addr) (ProofRecord, bool, error) {
	if l == nil || l.store == nil {
		return ProofRecord{}, false, ErrStorageUnavailable
	}
	var stored storedProof
	ok, err := l.store.KVGet(proofKey(user), &stored)
	if err != nil {
		return ProofRecord{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return stored.toRecord(), ok, nil
}

// PutPenalty replaces the moderator-penalty record for user.
func (l *Ledger) PutPenalty(user Addr, rec PenaltyRecord) error {
	if l == nil || l.store == nil {
		return ErrStorageUnavailable
	}
	stored := toStoredPenalty(rec)
	if err := l.store.KVPut(penaltyKey(user), &stored); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Penalty returns the current moderator-penalty record for user, if any.
func (l *Ledger) Penalty(user Addr) (PenaltyRecord, bool, error) {
	if l == nil || l.store == nil {
		return PenaltyRecord{}, false, ErrStorageUnavailable
	}
	var stored storedPenalty
	ok, err := l.store.KVGet(penaltyKey(user), &stored)
	if err != nil {
		return PenaltyRecord{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return stored.toRecord(), ok, nil
}

// PutForgetPenalty writes (or replaces) the forget-penalty owner keeps
// against forgotten, adding forgotten to owner's forgotten-users index if it
// is not already present.
func (l *Ledger) PutForgetPenalty(owner, forgotten Addr, rec ForgetPenalty) error {
	if l == nil || l.store == nil {
		return ErrStorageUnavailable
	}
	stored := toStoredForgetPenalty(rec)
	if err := l.store.KVPut(forgetPenaltyKey(owner, forgotten), &stored); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return l.addToForgottenIndex(owner, forgotten)
}

// ForgottenUsers returns every address owner has ever forgotten and still
// carries a forget-penalty record for.
func (l *Ledger) ForgottenUsers(owner Addr) ([]Addr, error) {
	if l == nil || l.store == nil {
		return nil, ErrStorageUnavailable
	}
	list, err := l.loadForgottenIndex(owner)
	if err != nil {
		return nil, err
	}
	return list.Addrs, nil
}

func (l *Ledger) addToForgottenIndex(owner, forgotten Addr) error {
	list, err := l.loadForgottenIndex(owner)
	if err != nil {
		return err
	}
	for _, a := range list.Addrs {
		if a == forgotten {
			return nil
		}
	}
	list.Addrs = append(list.Addrs, forgotten)
	return l.storeForgottenIndex(owner, list)
}

func (l *Ledger) removeFromForgottenIndex(owner, forgotten Addr) error {
	list, err := l.loadForgottenIndex(owner)
	if err != nil {
		return err
	}
	for i, a := range list.Addrs {
		if a == forgotten {
			list.Addrs = append(list.Addrs[:i], list.Addrs[i+1:]...)
			break
		}
	}
	return l.storeForgottenIndex(owner, list)
}

func (l *Ledger) loadForgottenIndex(owner Addr) (addrList, error) {
	var list addrList
	ok, err := l.store.KVGet(forgetPenaltyIndexKey(owner), &list)
	if err != nil {
		return addrList{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return addrList{}, nil
	}
	return list, nil
}

func (l *Ledger) storeForgottenIndex(owner Addr, list addrList) error {
	if err := l.store.KVPut(forgetPenaltyIndexKey(owner), &list); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

type addrList struct {
	Addrs []Addr
}

// ForgetPenaltyOf returns the forget-penalty owner keeps against forgotten,
// if any.
func (l *Ledger) ForgetPenaltyOf(owner, forgotten Addr) (ForgetPenalty, bool, error) {
	if l == nil || l.store == nil {
		return ForgetPenalty{}, false, ErrStorageUnavailable
	}
	var stored storedForgetPenalty
	ok, err := l.store.KVGet(forgetPenaltyKey(owner, forgotten), &stored)
	if err != nil {
		return ForgetPenalty{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return stored.toRecord(), ok, nil
}

// DeleteForgetPenalty removes a forget-penalty record, used for lazy
// reaping once its decayed amount reaches zero.
func (l *Ledger) DeleteForgetPenalty(owner, forgotten Addr) error {
	if l == nil || l.store == nil {
		return ErrStorageUnavailable
	}
	if err := l.store.KVDelete(forgetPenaltyKey(owner, forgotten)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return l.removeFromForgottenIndex(owner, forgotten)
}

// SetGenesis sets the genesis balance for user. Intended for bootstrap only;
// any subsequent proof for the same user overrides it at read time.
func (l *Ledger) SetGenesis(user Addr, balance uint64) error {
	if l == nil || l.store == nil {
		return ErrStorageUnavailable
	}
	wrapped := genesisValue{Balance: balance}
	if err := l.store.KVPut(genesisKey(user), &wrapped); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Genesis returns the genesis balance for user, if one was seeded.
func (l *Ledger) Genesis(user Addr) (uint64, bool, error) {
	if l == nil || l.store == nil {
		return 0, false, ErrStorageUnavailable
	}
	var wrapped genesisValue
	ok, err := l.store.KVGet(genesisKey(user), &wrapped)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return wrapped.Balance, ok, nil
}

type genesisValue struct {
	Balance uint64
}
