package reputation

import "testing"

func TestRoleStoreSeedIsIdempotent(t *testing.T) {
	store := newMemKV()
	roles := NewRoleStore(store)
	admin := testAddr(1)
	moderator := testAddr(2)

	if err := roles.Seed([]Addr{admin}, []Addr{moderator}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := roles.Seed([]Addr{admin}, []Addr{moderator}); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	isAdmin, err := roles.IsAdmin(admin)
	if err != nil || !isAdmin {
		t.Fatalf("expected admin membership: ok=%v err=%v", isAdmin, err)
	}
	isMod, err := roles.IsModerator(moderator)
	if err != nil || !isMod {
		t.Fatalf("expected moderator membership: ok=%v err=%v", isMod, err)
	}
}

func TestRoleStoreAddRemoveAdminRequiresAdmin(t *testing.T) {
	store := newMemKV()
	roles := NewRoleStore(store)
	admin := testAddr(3)
	outsider := testAddr(4)
	target := testAddr(5)

	if err := roles.Seed([]Addr{admin}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := roles.AddAdmin(outsider, target); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized for non-admin caller, got %v", err)
	}

	if err := roles.AddAdmin(admin, target); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	isAdmin, err := roles.IsAdmin(target)
	if err != nil || !isAdmin {
		t.Fatalf("expected target to become admin: ok=%v err=%v", isAdmin, err)
	}

	if err := roles.RemoveAdmin(admin, target); err != nil {
		t.Fatalf("remove admin: %v", err)
	}
	isAdmin, err = roles.IsAdmin(target)
	if err != nil || isAdmin {
		t.Fatalf("expected target to no longer be admin: ok=%v err=%v", isAdmin, err)
	}
}

func TestRoleStoreModeratorGatedByAdmin(t *testing.T) {
	store := newMemKV()
	roles := NewRoleStore(store)
	admin := testAddr(6)
	moderator := testAddr(7)
	target := testAddr(8)

	if err := roles.Seed([]Addr{admin}, []Addr{moderator}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A moderator is not an admin and cannot grant moderator status.
	if err := roles.AddModerator(moderator, target); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized for moderator caller, got %v", err)
	}

	if err := roles.AddModerator(admin, target); err != nil {
		t.Fatalf("add moderator: %v", err)
	}
	isMod, err := roles.IsModerator(target)
	if err != nil || !isMod {
		t.Fatalf("expected target to become moderator: ok=%v err=%v", isMod, err)
	}
}

func TestRoleStoreRemoveNonMemberIsNoOp(t *testing.T) {
	store := newMemKV()
	roles := NewRoleStore(store)
	admin := testAddr(9)
	stranger := testAddr(10)

	if err := roles.Seed([]Addr{admin}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := roles.RemoveAdmin(admin, stranger); err != nil {
		t.Fatalf("expected no-op removal to succeed, got %v", err)
	}
}
