package player

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/parknet-project/parknet/internal/util"
)

// MaxNameLength bounds display names in runes.
const MaxNameLength = 32

var (
	ErrRemoveDefaultGroup  = errors.New("cannot remove the default group")
	ErrGroupNotFound       = errors.New("group not found")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrDuplicateGroupName  = errors.New("group name already in use")
	ErrTooManyGroups       = errors.New("no free group id")
	ErrInvalidName         = errors.New("invalid name")
	ErrInvalidReplacement  = errors.New("replacement default group is invalid")
	ErrServerAuthorityOnly = errors.New("player id 0 is reserved for the server")
)

// Default group ids created when no groups are stored.
const (
	GroupAdmin     uint8 = 0
	GroupSpectator uint8 = 1
	GroupUser      uint8 = 2
)

// Options tunes a Registry.
type Options struct {
	ChatRate  rate.Limit
	ChatBurst int
}

// Registry owns connected players and permission groups. Player ids are
// handed out monotonically from 1 and never reused while the registry
// lives. Exactly one group is the default at all times once loaded.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	opts    Options
	logger  zerolog.Logger
	groups  []*Group
	defID   uint8
	players map[uint32]*Player
	nextID  uint32
}

// NewRegistry creates a registry backed by store. Call Load before use.
func NewRegistry(store Store, opts Options) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.ChatRate == 0 {
		opts.ChatRate = 2
	}
	if opts.ChatBurst == 0 {
		opts.ChatBurst = 5
	}
	return &Registry{
		store:   store,
		opts:    opts,
		logger:  util.ComponentLogger("player_registry"),
		players: make(map[uint32]*Player),
		nextID:  1,
	}
}

// Load reads groups from the store. An empty store gets the default
// groups. When no stored group is flagged default the first one is forced
// default and a warning is logged.
func (r *Registry) Load() error {
	stored, err := r.store.LoadGroups()
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	r.mu.Lock()
	if len(stored) == 0 {
		r.setupDefaultGroupsLocked()
		r.mu.Unlock()
		r.logger.Info().Msg("no groups stored, created defaults")
		return r.Save()
	}

	groups := make([]*Group, 0, len(stored))
	seen := make(map[uint8]bool)
	defaultFound := false
	var defID uint8
	for _, sg := range stored {
		if seen[sg.ID] {
			r.logger.Warn().Uint8("group_id", sg.ID).Msg("duplicate group id in store, skipped")
			continue
		}
		seen[sg.ID] = true

		perms, err := PermissionsFromNames(sg.Permissions)
		if err != nil {
			r.logger.Warn().Err(err).Str("group", sg.Name).Msg("ignoring unknown permissions")
			perms = 0
			for _, name := range sg.Permissions {
				if p, err := ParsePermission(name); err == nil {
					perms = perms.With(p)
				}
			}
		}
		groups = append(groups, &Group{ID: sg.ID, Name: sg.Name, Permissions: perms})

		if sg.Default {
			if defaultFound {
				r.logger.Warn().Str("group", sg.Name).Msg("more than one default group stored, keeping the first")
				continue
			}
			defaultFound = true
			defID = sg.ID
		}
	}
	sortGroups(groups)

	if !defaultFound {
		defID = groups[0].ID
		r.logger.Warn().
			Uint8("group_id", defID).
			Str("group", groups[0].Name).
			Msg("no default group stored, forcing first group as default")
	}

	r.groups = groups
	r.defID = defID
	// Players may reference groups that no longer exist.
	for _, p := range r.players {
		if r.groupLocked(p.GroupID) == nil {
			p.GroupID = defID
		}
	}
	r.mu.Unlock()

	r.logger.Info().Int("groups", len(groups)).Uint8("default", defID).Msg("groups loaded")
	return nil
}

// Save writes groups to the store.
func (r *Registry) Save() error {
	r.mu.RLock()
	stored := make([]StoredGroup, 0, len(r.groups))
	for _, g := range r.groups {
		stored = append(stored, StoredGroup{
			ID:          g.ID,
			Name:        g.Name,
			Permissions: g.Permissions.Names(),
			Default:     g.ID == r.defID,
		})
	}
	r.mu.RUnlock()

	if err := r.store.SaveGroups(stored); err != nil {
		return fmt.Errorf("failed to save groups: %w", err)
	}
	return nil
}

// setupDefaultGroupsLocked replaces every group with Admin, Spectator and
// User; User becomes the default.
func (r *Registry) setupDefaultGroupsLocked() {
	r.groups = []*Group{
		{ID: GroupAdmin, Name: "Admin", Permissions: AllPermissions},
		{ID: GroupSpectator, Name: "Spectator", Permissions: NewPermissions(PermChat)},
		{ID: GroupUser, Name: "User", Permissions: NewPermissions(
			PermChat, PermTerraform, PermToggleScenery, PermBuildRide,
			PermRemoveRide, PermEditRide, PermModifyTile,
		)},
	}
	r.defID = GroupUser
	for _, p := range r.players {
		if r.groupLocked(p.GroupID) == nil {
			p.GroupID = r.defID
		}
	}
}

func (r *Registry) groupLocked(id uint8) *Group {
	for _, g := range r.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// ValidateName trims a requested name and checks it is usable.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control characters", ErrInvalidName)
		}
	}
	return name, nil
}

// BaseName strips a " #N" suffix added by name deduplication.
func BaseName(name string) string {
	i := strings.LastIndex(name, " #")
	if i <= 0 || i+2 == len(name) {
		return name
	}
	for _, c := range name[i+2:] {
		if c < '0' || c > '9' {
			return name
		}
	}
	return name[:i]
}

// uniqueNameLocked returns name if no connected player uses it, otherwise
// the first free of "name #2", "name #3" and so on, with name shortened so
// the result stays within MaxNameLength. Comparison ignores case.
func (r *Registry) uniqueNameLocked(name string) string {
	taken := func(candidate string) bool {
		for _, p := range r.players {
			if strings.EqualFold(p.Name, candidate) {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf(" #%d", i)
		base := []rune(name)
		if limit := MaxNameLength - len(suffix); len(base) > limit {
			base = base[:limit]
		}
		candidate := strings.TrimSpace(string(base)) + suffix
		if !taken(candidate) {
			return candidate
		}
	}
}

// AddPlayer registers a newly authenticated player. The group is the one
// persisted for keyHash, or the default group.
func (r *Registry) AddPlayer(name, keyHash string) (*Player, error) {
	return r.addPlayer(name, keyHash, nil)
}

// AddPlayerInGroup registers a player in a specific group, as when a
// reconnecting player's previous group is restored.
func (r *Registry) AddPlayerInGroup(name, keyHash string, groupID uint8) (*Player, error) {
	return r.addPlayer(name, keyHash, &groupID)
}

func (r *Registry) addPlayer(name, keyHash string, group *uint8) (*Player, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	groupID := r.GroupByHash(keyHash)
	if group != nil {
		groupID = *group
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groupLocked(groupID) == nil {
		groupID = r.defID
	}

	p := &Player{
		ID:       r.nextID,
		Name:     r.uniqueNameLocked(name),
		KeyHash:  keyHash,
		GroupID:  groupID,
		JoinedAt: time.Now(),
		chat:     rate.NewLimiter(r.opts.ChatRate, r.opts.ChatBurst),
	}
	r.nextID++
	r.players[p.ID] = p

	r.logger.Info().
		Uint32("player_id", p.ID).
		Str("name", p.Name).
		Uint8("group_id", p.GroupID).
		Msg("player added")
	return p, nil
}

// RemovePlayer forgets a player. Its id is never handed out again.
func (r *Registry) RemovePlayer(id uint32) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if ok {
		delete(r.players, id)
	}
	return p, ok
}

// Player returns a connected player.
func (r *Registry) Player(id uint32) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	return p, ok
}

// Players returns copies of every connected player ordered by id.
func (r *Registry) Players() []Player {
	r.mu.RLock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		cp := *p
		cp.chat = nil
		out = append(out, cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlayerCount returns the number of connected players.
func (r *Registry) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// GroupByHash returns the group persisted for a key hash, or the default
// group when none is stored or the stored group no longer exists.
func (r *Registry) GroupByHash(keyHash string) uint8 {
	var stored *uint8
	if keyHash != "" {
		if u, ok, err := r.store.LookupUser(keyHash); err != nil {
			r.logger.Warn().Err(err).Msg("user lookup failed")
		} else if ok {
			stored = &u.GroupID
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if stored != nil && r.groupLocked(*stored) != nil {
		return *stored
	}
	return r.defID
}

// IsBanned reports whether a key hash is banned.
func (r *Registry) IsBanned(keyHash string) bool {
	u, ok, err := r.store.LookupUser(keyHash)
	if err != nil {
		r.logger.Warn().Err(err).Msg("ban lookup failed")
		return false
	}
	return ok && u.Banned
}

// SetBanned bans or unbans a key hash.
func (r *Registry) SetBanned(keyHash, name string, banned bool) error {
	u, ok, err := r.store.LookupUser(keyHash)
	if err != nil {
		return err
	}
	if !ok {
		u = StoredUser{KeyHash: keyHash, Name: name, GroupID: r.DefaultGroup()}
	}
	u.Banned = banned
	return r.store.SaveUser(u)
}

// Group returns a group by id.
func (r *Registry) Group(id uint8) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g := r.groupLocked(id); g != nil {
		return *g, true
	}
	return Group{}, false
}

// Groups returns copies of every group ordered by id.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, len(r.groups))
	for i, g := range r.groups {
		out[i] = *g
	}
	return out
}

// DefaultGroup returns the default group id.
func (r *Registry) DefaultGroup() uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defID
}

// AddGroup creates a group using the lowest free id.
func (r *Registry) AddGroup(name string, perms Permissions) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("%w: empty group name", ErrInvalidName)
	}

	r.mu.Lock()
	for _, g := range r.groups {
		if strings.EqualFold(g.Name, name) {
			r.mu.Unlock()
			return Group{}, fmt.Errorf("%w: %s", ErrDuplicateGroupName, name)
		}
	}
	var id int = -1
	for candidate := 0; candidate <= 255; candidate++ {
		if r.groupLocked(uint8(candidate)) == nil {
			id = candidate
			break
		}
	}
	if id < 0 {
		r.mu.Unlock()
		return Group{}, ErrTooManyGroups
	}
	g := &Group{ID: uint8(id), Name: name, Permissions: perms}
	r.groups = append(r.groups, g)
	sortGroups(r.groups)
	r.mu.Unlock()

	r.logger.Info().Uint8("group_id", g.ID).Str("name", name).Msg("group added")
	return *g, r.Save()
}

// RemoveGroup deletes a group and moves its players to the default group.
// Removing the default group is rejected and leaves state unchanged.
func (r *Registry) RemoveGroup(id uint8) error {
	r.mu.Lock()
	if err := r.removeGroupLocked(id); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	return r.Save()
}

// RemoveGroupWithReplacement makes newDefault the default group and then
// removes id, as one step.
func (r *Registry) RemoveGroupWithReplacement(id, newDefault uint8) error {
	r.mu.Lock()
	if id == newDefault || r.groupLocked(newDefault) == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidReplacement, newDefault)
	}
	if r.groupLocked(id) == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	previous := r.defID
	r.defID = newDefault
	if err := r.removeGroupLocked(id); err != nil {
		r.defID = previous
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	return r.Save()
}

func (r *Registry) removeGroupLocked(id uint8) error {
	if id == r.defID {
		return ErrRemoveDefaultGroup
	}
	idx := -1
	for i, g := range r.groups {
		if g.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	name := r.groups[idx].Name
	r.groups = append(r.groups[:idx], r.groups[idx+1:]...)

	moved := 0
	for _, p := range r.players {
		if p.GroupID == id {
			p.GroupID = r.defID
			moved++
		}
	}
	r.logger.Info().Uint8("group_id", id).Str("name", name).Int("players_moved", moved).Msg("group removed")
	return nil
}

// SetDefaultGroup changes the default group.
func (r *Registry) SetDefaultGroup(id uint8) error {
	r.mu.Lock()
	if r.groupLocked(id) == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	r.defID = id
	r.mu.Unlock()
	return r.Save()
}

// RenameGroup changes a group's name.
func (r *Registry) RenameGroup(id uint8, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty group name", ErrInvalidName)
	}
	r.mu.Lock()
	g := r.groupLocked(id)
	if g == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	for _, other := range r.groups {
		if other.ID != id && strings.EqualFold(other.Name, name) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateGroupName, name)
		}
	}
	g.Name = name
	r.mu.Unlock()
	return r.Save()
}

// SetGroupPermissions replaces a group's permission set.
func (r *Registry) SetGroupPermissions(id uint8, perms Permissions) error {
	r.mu.Lock()
	g := r.groupLocked(id)
	if g == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	g.Permissions = perms
	r.mu.Unlock()
	return r.Save()
}

// SetPlayerGroup moves a connected player and persists the choice for its
// key hash so it survives reconnects.
func (r *Registry) SetPlayerGroup(playerID uint32, groupID uint8) error {
	if playerID == ServerPlayerID {
		return ErrServerAuthorityOnly
	}
	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPlayerNotFound, playerID)
	}
	if r.groupLocked(groupID) == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrGroupNotFound, groupID)
	}
	p.GroupID = groupID
	user := StoredUser{KeyHash: p.KeyHash, Name: p.Name, GroupID: groupID}
	r.mu.Unlock()

	if user.KeyHash == "" {
		return nil
	}
	if existing, ok, _ := r.store.LookupUser(user.KeyHash); ok {
		user.Banned = existing.Banned
	}
	if err := r.store.SaveUser(user); err != nil {
		return fmt.Errorf("failed to persist player group: %w", err)
	}
	return nil
}

// Can reports whether a player may use perm. The server authority may
// do anything.
func (r *Registry) Can(playerID uint32, perm Permission) bool {
	if playerID == ServerPlayerID {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[playerID]
	if !ok {
		return false
	}
	g := r.groupLocked(p.GroupID)
	return g != nil && g.Can(perm)
}

// AllowChat consumes a chat token for the player.
func (r *Registry) AllowChat(playerID uint32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return false
	}
	if !p.chat.AllowN(now, 1) {
		return false
	}
	p.ChatMessages++
	return true
}

// RecordAction updates a player's action counters.
func (r *Registry) RecordAction(playerID uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[playerID]; ok {
		p.CommandsRan++
		p.LastActionAt = now
	}
}

// SetPing records a player's latency.
func (r *Registry) SetPing(playerID uint32, ping time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[playerID]; ok {
		p.Ping = ping
	}
}

// Close releases the store.
func (r *Registry) Close() error {
	return r.store.Close()
}
