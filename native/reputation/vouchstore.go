package reputation

import (
	"fmt"
	"sync"
)

// vouchState abstracts the persistence backend for the vouch adjacency
// indices.
type vouchState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var (
	vouchersIndexPrefix = []byte("reputation/vouch/by-vouchee/")
	voucheesIndexPrefix = []byte("reputation/vouch/by-voucher/")
)

func vouchersIndexKey(vouchee Addr, server Addr) []byte {
	key := append([]byte(nil), vouchersIndexPrefix...)
	key = append(key, vouchee[:]...)
	key = append(key, server[:]...)
	return key
}

func voucheesIndexKey(voucher Addr, server Addr) []byte {
	key := append([]byte(nil), voucheesIndexPrefix...)
	key = append(key, voucher[:]...)
	key = append(key, server[:]...)
	return key
}

// timestampedSet is the rlp-serializable projection of a voucher/vouchee
// adjacency set. go-ethereum's rlp does not encode signed integers, so edge
// timestamps are carried as uint64 on the wire and converted back to the
// domain's int64 at toMap/timestampedSetFromMap, matching the uint64 storage
// convention used throughout this package's stored* projection types.
type timestampedSet struct {
	Addrs      []Addr
	Timestamps []uint64
}

func (s timestampedSet) toMap() map[Addr]int64 {
	out := make(map[Addr]int64, len(s.Addrs))
	for i, a := range s.Addrs {
		out[a] = int64(s.Timestamps[i])
	}
	return out
}

func timestampedSetFromMap(m map[Addr]int64) timestampedSet {
	s := timestampedSet{Addrs: make([]Addr, 0, len(m)), Timestamps: make([]uint64, 0, len(m))}
	for a, ts := range m {
		s.Addrs = append(s.Addrs, a)
		s.Timestamps = append(s.Timestamps, uint64(ts))
	}
	return s
}

// VouchStore maintains the bidirectional voucher/vouchee adjacency, split
// into a local partition (server == nil) and one partition per external
// server address, as described in spec.md §4.5. Both indices are mutated
// under a single lock so they can never diverge, grounded on the teacher's
// dual-index update patterns and the original Rust reference's split
// between identity/vouch/storage.rs (local) and
// identity/vouch_external/storage.rs (per-server).
type VouchStore struct {
	mu    sync.Mutex
	store vouchState
}

// NewVouchStore constructs a vouch store backed by the provided storage.
func NewVouchStore(store vouchState) *VouchStore {
	return &VouchStore{store: store}
}

// Vouch upserts the (voucher, vouchee, server) edge, refreshing its
// timestamp if it already exists.
func (v *VouchStore) Vouch(voucher, vouchee Addr, server *Addr, ts int64) error {
	if v == nil || v.store == nil {
		return ErrStorageUnavailable
	}
	srv := serverKey(server)
	v.mu.Lock()
	defer v.mu.Unlock()

	byVouchee, err := v.loadLocked(vouchersIndexKey(vouchee, srv))
	if err != nil {
		return err
	}
	byVouchee[voucher] = ts
	if err := v.storeLocked(vouchersIndexKey(vouchee, srv), byVouchee); err != nil {
		return err
	}

	byVoucher, err := v.loadLocked(voucheesIndexKey(voucher, srv))
	if err != nil {
		return err
	}
	byVoucher[vouchee] = ts
	return v.storeLocked(voucheesIndexKey(voucher, srv), byVoucher)
}

// Remove deletes the (voucher, vouchee, server) edge. No-op if absent.
func (v *VouchStore) Remove(voucher, vouchee Addr, server *Addr) error {
	if v == nil || v.store == nil {
		return ErrStorageUnavailable
	}
	srv := serverKey(server)
	v.mu.Lock()
	defer v.mu.Unlock()

	byVouchee, err := v.loadLocked(vouchersIndexKey(vouchee, srv))
	if err != nil {
		return err
	}
	delete(byVouchee, voucher)
	if err := v.storeLocked(vouchersIndexKey(vouchee, srv), byVouchee); err != nil {
		return err
	}

	byVoucher, err := v.loadLocked(voucheesIndexKey(voucher, srv))
	if err != nil {
		return err
	}
	delete(byVoucher, vouchee)
	return v.storeLocked(voucheesIndexKey(voucher, srv), byVoucher)
}

// VouchersWithTime returns the set of addresses that vouch for vouchee in
// the given server partition, with their edge timestamps.
func (v *VouchStore) VouchersWithTime(vouchee Addr, server *Addr) (map[Addr]int64, error) {
	if v == nil || v.store == nil {
		return nil, ErrStorageUnavailable
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked(vouchersIndexKey(vouchee, serverKey(server)))
}

// VoucheesWithTime returns the set of addresses voucher vouches for in the
// given server partition, with their edge timestamps.
func (v *VouchStore) VoucheesWithTime(voucher Addr, server *Addr) (map[Addr]int64, error) {
	if v == nil || v.store == nil {
		return nil, ErrStorageUnavailable
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked(voucheesIndexKey(voucher, serverKey(server)))
}

func (v *VouchStore) loadLocked(key []byte) (map[Addr]int64, error) {
	var set timestampedSet
	ok, err := v.store.KVGet(key, &set)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return make(map[Addr]int64), nil
	}
	return set.toMap(), nil
}

func (v *VouchStore) storeLocked(key []byte, m map[Addr]int64) error {
	set := timestampedSetFromMap(m)
	if err := v.store.KVPut(key, &set); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
