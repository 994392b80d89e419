package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/parknet-project/parknet/internal/player"
)

func openTestStore(t *testing.T) *GroupStore {
	t.Helper()
	s, err := OpenGroupStore(filepath.Join(t.TempDir(), "groups.db"))
	if err != nil {
		t.Fatalf("OpenGroupStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGroupStoreSaveAndLoad(t *testing.T) {
	s := openTestStore(t)

	groups := []player.StoredGroup{
		{ID: 0, Name: "Admin", Permissions: []string{"chat", "kick_player"}},
		{ID: 2, Name: "User", Permissions: []string{"chat"}, Default: true},
		{ID: 5, Name: "Muted", Permissions: []string{}},
	}
	if err := s.SaveGroups(groups); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d groups", len(got))
	}
	if got[1].Name != "User" || !got[1].Default {
		t.Fatalf("group 2 = %+v", got[1])
	}
	if len(got[0].Permissions) != 2 || got[0].Permissions[1] != "kick_player" {
		t.Fatalf("admin permissions = %v", got[0].Permissions)
	}
	if len(got[2].Permissions) != 0 {
		t.Fatalf("muted permissions = %v", got[2].Permissions)
	}

	// Saving again replaces rather than appends.
	if err := s.SaveGroups(groups[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadGroups()
	if len(got) != 1 {
		t.Fatalf("after replace: %d groups", len(got))
	}
}

func TestGroupStoreDuplicateNameRollsBack(t *testing.T) {
	s := openTestStore(t)
	s.SaveGroups([]player.StoredGroup{{ID: 1, Name: "Keep", Permissions: []string{"chat"}}})

	err := s.SaveGroups([]player.StoredGroup{
		{ID: 1, Name: "Same"},
		{ID: 2, Name: "same"},
	})
	if err == nil {
		t.Fatal("expected unique constraint failure")
	}
	got, _ := s.LoadGroups()
	if len(got) != 1 || got[0].Name != "Keep" {
		t.Fatalf("transaction not rolled back: %+v", got)
	}
}

func TestGroupStoreUsers(t *testing.T) {
	s := openTestStore(t)
	hash := strings.Repeat("0f", 32)

	if _, ok, err := s.LookupUser(hash); err != nil || ok {
		t.Fatalf("LookupUser on empty store = %v, %v", ok, err)
	}
	if err := s.SaveUser(player.StoredUser{KeyHash: hash, Name: "Ann", GroupID: 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUser(player.StoredUser{KeyHash: hash, Name: "Ann", GroupID: 3, Banned: true}); err != nil {
		t.Fatal(err)
	}

	u, ok, err := s.LookupUser(hash)
	if err != nil || !ok {
		t.Fatalf("LookupUser = %v, %v", ok, err)
	}
	if u.GroupID != 3 || !u.Banned {
		t.Fatalf("user = %+v", u)
	}
	users, _ := s.Users()
	if len(users) != 1 {
		t.Fatalf("users = %d", len(users))
	}
}

func TestRegistryOnSQLite(t *testing.T) {
	s := openTestStore(t)
	r := player.NewRegistry(s, player.Options{})
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDefaultGroup(player.GroupSpectator); err != nil {
		t.Fatal(err)
	}

	r2 := player.NewRegistry(s, player.Options{})
	if err := r2.Load(); err != nil {
		t.Fatal(err)
	}
	if r2.DefaultGroup() != player.GroupSpectator {
		t.Fatalf("default after reload = %d", r2.DefaultGroup())
	}
}
