package reputation

import (
	"fmt"
	"sync"
)

// roleState abstracts the persistence backend for the admin/moderator
// membership sets.
type roleState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	adminSetKey     = []byte("reputation/roles/admins")
	moderatorSetKey = []byte("reputation/roles/moderators")
)

type addrSet struct {
	Members []Addr
}

func (s addrSet) contains(addr Addr) bool {
	for _, m := range s.Members {
		if m == addr {
			return true
		}
	}
	return false
}

func (s addrSet) add(addr Addr) (addrSet, bool) {
	if s.contains(addr) {
		return s, false
	}
	return addrSet{Members: append(append([]Addr(nil), s.Members...), addr)}, true
}

func (s addrSet) remove(addr Addr) (addrSet, bool) {
	idx := -1
	for i, m := range s.Members {
		if m == addr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return s, false
	}
	next := make([]Addr, 0, len(s.Members)-1)
	next = append(next, s.Members[:idx]...)
	next = append(next, s.Members[idx+1:]...)
	return addrSet{Members: next}, true
}

// RoleStore persists the admin and moderator membership sets and gates
// role-modifying verbs so the authorization check and the mutation happen
// inside one critical section (spec.md §4.4, §5: "an admin who is
// simultaneously being removed cannot race with their own last action").
//
// Grounded on the single-mutex read-check-then-write pattern used by
// native/potso.Engine and native/escrow.tokenRegistry elsewhere in this
// repo.
type RoleStore struct {
	mu    sync.Mutex
	store roleState
}

// NewRoleStore constructs a role store backed by the provided storage.
func NewRoleStore(store roleState) *RoleStore {
	return &RoleStore{store: store}
}

// Seed idempotently ensures the supplied admins/moderators are members.
// Safe to call repeatedly (e.g. on every process start from config).
func (r *RoleStore) Seed(admins, moderators []Addr) error {
	if r == nil || r.store == nil {
		return ErrStorageUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	adminsSet, err := r.loadLocked(adminSetKey)
	if err != nil {
		return err
	}
	for _, a := range admins {
		adminsSet, _ = adminsSet.add(a)
	}
	if err := r.storeLocked(adminSetKey, adminsSet); err != nil {
		return err
	}
	modsSet, err := r.loadLocked(moderatorSetKey)
	if err != nil {
		return err
	}
	for _, m := range moderators {
		modsSet, _ = modsSet.add(m)
	}
	return r.storeLocked(moderatorSetKey, modsSet)
}

// IsAdmin reports whether addr is a current admin.
func (r *RoleStore) IsAdmin(addr Addr) (bool, error) {
	if r == nil || r.store == nil {
		return false, ErrStorageUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, err := r.loadLocked(adminSetKey)
	if err != nil {
		return false, err
	}
	return set.contains(addr), nil
}

// IsModerator reports whether addr is a current moderator.
func (r *RoleStore) IsModerator(addr Addr) (bool, error) {
	if r == nil || r.store == nil {
		return false, ErrStorageUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, err := r.loadLocked(moderatorSetKey)
	if err != nil {
		return false, err
	}
	return set.contains(addr), nil
}

// AddAdmin adds target to the admin set. Requires caller to already be an
// admin; the check and the mutation happen under the same lock.
func (r *RoleStore) AddAdmin(caller, target Addr) error {
	return r.mutateGated(adminSetKey, caller, func(s addrSet) (addrSet, bool) { return s.add(target) })
}

// RemoveAdmin removes target from the admin set. No-op success if target is
// not a member.
func (r *RoleStore) RemoveAdmin(caller, target Addr) error {
	return r.mutateGated(adminSetKey, caller, func(s addrSet) (addrSet, bool) { return s.remove(target) })
}

// AddModerator adds target to the moderator set. Requires caller to be an
// admin.
func (r *RoleStore) AddModerator(caller, target Addr) error {
	return r.mutateGated(moderatorSetKey, caller, func(s addrSet) (addrSet, bool) { return s.add(target) })
}

// RemoveModerator removes target from the moderator set. Requires caller to
// be an admin. No-op success if target is not a member.
func (r *RoleStore) RemoveModerator(caller, target Addr) error {
	return r.mutateGated(moderatorSetKey, caller, func(s addrSet) (addrSet, bool) { return s.remove(target) })
}

// mutateGated performs an admin-gated read-modify-write against the set
// stored at key, all under a single lock so the authorization check and the
// mutation are atomic.
func (r *RoleStore) mutateGated(key []byte, caller Addr, mutate func(addrSet) (addrSet, bool)) error {
	if r == nil || r.store == nil {
		return ErrStorageUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	admins, err := r.loadLocked(adminSetKey)
	if err != nil {
		return err
	}
	if !admins.contains(caller) {
		return ErrUnauthorized
	}
	target, err := r.loadLocked(key)
	if err != nil {
		return err
	}
	next, changed := mutate(target)
	if !changed {
		return nil
	}
	return r.storeLocked(key, next)
}

func (r *RoleStore) loadLocked(key []byte) (addrSet, error) {
	var set addrSet
	ok, err := r.store.KVGet(key, &set)
	if err != nil {
		return addrSet{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return addrSet{}, nil
	}
	return set, nil
}

func (r *RoleStore) storeLocked(key []byte, set addrSet) error {
	if err := r.store.KVPut(key, &set); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
