package player

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newLoadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(NewMemoryStore(), Options{})
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestLoadCreatesDefaultGroups(t *testing.T) {
	r := newLoadedRegistry(t)

	groups := r.Groups()
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if r.DefaultGroup() != GroupUser {
		t.Fatalf("default group = %d, want %d", r.DefaultGroup(), GroupUser)
	}
	admin, _ := r.Group(GroupAdmin)
	if admin.Permissions != AllPermissions {
		t.Fatalf("admin permissions = %b", admin.Permissions)
	}
	spectator, _ := r.Group(GroupSpectator)
	if !spectator.Can(PermChat) || spectator.Can(PermBuildRide) {
		t.Fatalf("spectator permissions = %v", spectator.Permissions.Names())
	}
}

func TestLoadForcesDefaultWhenNoneStored(t *testing.T) {
	store := NewMemoryStore()
	store.SaveGroups([]StoredGroup{
		{ID: 4, Name: "Builders", Permissions: []string{"chat", "build_ride"}},
		{ID: 7, Name: "Guests", Permissions: []string{"chat"}},
	})

	r := NewRegistry(store, Options{})
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.DefaultGroup() != 4 {
		t.Fatalf("default group = %d, want first group 4", r.DefaultGroup())
	}
}

func TestAddPlayerDeduplicatesNames(t *testing.T) {
	r := newLoadedRegistry(t)

	first, err := r.AddPlayer("Alice", "")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := r.AddPlayer("alice", "")
	third, _ := r.AddPlayer("Alice", "")

	if first.Name != "Alice" || second.Name != "alice #2" || third.Name != "Alice #3" {
		t.Fatalf("names = %q %q %q", first.Name, second.Name, third.Name)
	}
	if first.ID != 1 || second.ID != 2 || third.ID != 3 {
		t.Fatalf("ids = %d %d %d", first.ID, second.ID, third.ID)
	}

	r.RemovePlayer(second.ID)
	again, _ := r.AddPlayer("Alice", "")
	if again.Name != "Alice #2" {
		t.Fatalf("freed suffix not reused: %q", again.Name)
	}
	if again.ID != 4 {
		t.Fatalf("player id reused: %d", again.ID)
	}
}

func TestDeduplicatedNamesStayWithinLimit(t *testing.T) {
	r := newLoadedRegistry(t)
	long := strings.Repeat("é", MaxNameLength)

	if _, err := r.AddPlayer(long, ""); err != nil {
		t.Fatal(err)
	}
	second, err := r.AddPlayer(long, "")
	if err != nil {
		t.Fatal(err)
	}
	if n := utf8.RuneCountInString(second.Name); n > MaxNameLength {
		t.Fatalf("name %q has %d runes", second.Name, n)
	}
	if !utf8.ValidString(second.Name) || !strings.HasSuffix(second.Name, " #2") {
		t.Fatalf("name = %q", second.Name)
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice", "Alice"},
		{"Alice #2", "Alice"},
		{"Alice #12", "Alice"},
		{"Alice #", "Alice #"},
		{"Alice #two", "Alice #two"},
		{"#3", "#3"},
	}
	for _, tt := range tests {
		if got := BaseName(tt.in); got != tt.want {
			t.Errorf("BaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddPlayerRejectsBadNames(t *testing.T) {
	r := newLoadedRegistry(t)
	for _, name := range []string{"", "   ", "bad\x01name", strings.Repeat("x", MaxNameLength+1)} {
		if _, err := r.AddPlayer(name, ""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("AddPlayer(%q) error = %v", name, err)
		}
	}
}

func TestRemoveDefaultGroupRejected(t *testing.T) {
	r := newLoadedRegistry(t)
	before := r.Groups()

	if err := r.RemoveGroup(r.DefaultGroup()); !errors.Is(err, ErrRemoveDefaultGroup) {
		t.Fatalf("RemoveGroup(default) = %v", err)
	}
	if len(r.Groups()) != len(before) {
		t.Fatal("group list changed after rejected removal")
	}
}

func TestRemoveGroupMovesPlayersToDefault(t *testing.T) {
	r := newLoadedRegistry(t)
	p, _ := r.AddPlayer("Bob", "")
	if err := r.SetPlayerGroup(p.ID, GroupSpectator); err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveGroup(GroupSpectator); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Player(p.ID)
	if got.GroupID != r.DefaultGroup() {
		t.Fatalf("player group = %d, want default %d", got.GroupID, r.DefaultGroup())
	}
}

func TestRemoveGroupWithReplacement(t *testing.T) {
	r := newLoadedRegistry(t)
	p, _ := r.AddPlayer("Carol", "")

	if err := r.RemoveGroupWithReplacement(GroupUser, GroupSpectator); err != nil {
		t.Fatal(err)
	}
	if r.DefaultGroup() != GroupSpectator {
		t.Fatalf("default group = %d", r.DefaultGroup())
	}
	if _, ok := r.Group(GroupUser); ok {
		t.Fatal("old default still present")
	}
	got, _ := r.Player(p.ID)
	if got.GroupID != GroupSpectator {
		t.Fatalf("player group = %d", got.GroupID)
	}

	if err := r.RemoveGroupWithReplacement(GroupAdmin, 99); !errors.Is(err, ErrInvalidReplacement) {
		t.Fatalf("bad replacement error = %v", err)
	}
	if r.DefaultGroup() != GroupSpectator {
		t.Fatal("failed replacement changed the default")
	}
}

func TestAddGroupUsesLowestFreeID(t *testing.T) {
	r := newLoadedRegistry(t)
	if err := r.RemoveGroup(GroupSpectator); err != nil {
		t.Fatal(err)
	}
	g, err := r.AddGroup("Moderators", NewPermissions(PermChat, PermKickPlayer))
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != GroupSpectator {
		t.Fatalf("new group id = %d, want %d", g.ID, GroupSpectator)
	}
	if _, err := r.AddGroup("moderators", 0); !errors.Is(err, ErrDuplicateGroupName) {
		t.Fatalf("duplicate name error = %v", err)
	}
}

func TestSetPlayerGroupPersistsByKeyHash(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(store, Options{})
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	hash := strings.Repeat("ab", 32)

	p, _ := r.AddPlayer("Dave", hash)
	if err := r.SetPlayerGroup(p.ID, GroupAdmin); err != nil {
		t.Fatal(err)
	}
	r.RemovePlayer(p.ID)

	again, _ := r.AddPlayer("Dave", hash)
	if again.GroupID != GroupAdmin {
		t.Fatalf("restored group = %d, want admin", again.GroupID)
	}
}

func TestCanChecksGroupPermissions(t *testing.T) {
	r := newLoadedRegistry(t)
	p, _ := r.AddPlayer("Eve", "")
	r.SetPlayerGroup(p.ID, GroupSpectator)

	if r.Can(p.ID, PermBuildRide) {
		t.Fatal("spectator may build")
	}
	if !r.Can(p.ID, PermChat) {
		t.Fatal("spectator may not chat")
	}
	if !r.Can(ServerPlayerID, PermModifyGroups) {
		t.Fatal("server authority denied")
	}
	if r.Can(42, PermChat) {
		t.Fatal("unknown player allowed")
	}
}

func TestAllowChatRateLimits(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), Options{ChatRate: 1, ChatBurst: 2})
	r.Load()
	p, _ := r.AddPlayer("Frank", "")

	now := time.Now()
	if !r.AllowChat(p.ID, now) || !r.AllowChat(p.ID, now) {
		t.Fatal("burst not allowed")
	}
	if r.AllowChat(p.ID, now) {
		t.Fatal("third message in burst allowed")
	}
	if !r.AllowChat(p.ID, now.Add(time.Second)) {
		t.Fatal("token not refilled")
	}
}

func TestBanList(t *testing.T) {
	r := newLoadedRegistry(t)
	hash := strings.Repeat("cd", 32)
	if r.IsBanned(hash) {
		t.Fatal("banned before ban")
	}
	if err := r.SetBanned(hash, "Mallory", true); err != nil {
		t.Fatal(err)
	}
	if !r.IsBanned(hash) {
		t.Fatal("not banned")
	}
	r.SetBanned(hash, "Mallory", false)
	if r.IsBanned(hash) {
		t.Fatal("still banned")
	}
}
