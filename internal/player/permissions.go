// Package player tracks connected players and the permission groups that
// govern what each of them may do.
package player

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a bit index in a group's permission set.
type Permission uint8

const (
	PermChat Permission = iota
	PermTerraform
	PermToggleScenery
	PermBuildRide
	PermRemoveRide
	PermEditRide
	PermSetParkName
	PermModifyFinances
	PermKickPlayer
	PermModifyGroups
	PermSetPlayerGroup
	PermCheat
	PermPasswordlessLogin
	PermModifyTile
	PermEditScenarioOptions

	permissionCount
)

var permissionNames = [...]string{
	PermChat:                "chat",
	PermTerraform:           "terraform",
	PermToggleScenery:       "toggle_scenery",
	PermBuildRide:           "build_ride",
	PermRemoveRide:          "remove_ride",
	PermEditRide:            "edit_ride",
	PermSetParkName:         "set_park_name",
	PermModifyFinances:      "modify_finances",
	PermKickPlayer:          "kick_player",
	PermModifyGroups:        "modify_groups",
	PermSetPlayerGroup:      "set_player_group",
	PermCheat:               "cheat",
	PermPasswordlessLogin:   "passwordless_login",
	PermModifyTile:          "modify_tile",
	PermEditScenarioOptions: "edit_scenario_options",
}

func (p Permission) String() string {
	if p < permissionCount {
		return permissionNames[p]
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// ParsePermission resolves a permission by name.
func ParsePermission(name string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range permissionNames {
		if n == name {
			return Permission(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

// AllPermissionNames lists every permission name in bit order.
func AllPermissionNames() []string {
	out := make([]string, len(permissionNames))
	copy(out, permissionNames[:])
	return out
}

// Permissions is a bit set of Permission.
type Permissions uint64

// AllPermissions grants everything.
const AllPermissions = Permissions(1<<permissionCount - 1)

// NewPermissions builds a set from individual permissions.
func NewPermissions(perms ...Permission) Permissions {
	var p Permissions
	for _, perm := range perms {
		p |= 1 << perm
	}
	return p
}

// Has reports whether perm is granted.
func (p Permissions) Has(perm Permission) bool {
	return p&(1<<perm) != 0
}

// With returns p plus perm.
func (p Permissions) With(perm Permission) Permissions {
	return p | 1<<perm
}

// Without returns p minus perm.
func (p Permissions) Without(perm Permission) Permissions {
	return p &^ (1 << perm)
}

// Names lists the granted permissions in bit order.
func (p Permissions) Names() []string {
	out := []string{}
	for i := Permission(0); i < permissionCount; i++ {
		if p.Has(i) {
			out = append(out, i.String())
		}
	}
	return out
}

// PermissionsFromNames parses a list of names. Unknown names are an error.
func PermissionsFromNames(names []string) (Permissions, error) {
	var p Permissions
	for _, n := range names {
		perm, err := ParsePermission(n)
		if err != nil {
			return 0, err
		}
		p = p.With(perm)
	}
	return p, nil
}

// Group is a named permission set.
type Group struct {
	ID          uint8       `json:"id"`
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
}

// Can reports whether the group grants perm.
func (g Group) Can(perm Permission) bool {
	return g.Permissions.Has(perm)
}

func sortGroups(groups []*Group) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
}
