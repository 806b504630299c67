// Package hierarchy answers whether one member may act on another from role
// rank and permission bitfields. All functions are pure.
package hierarchy

import (
	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
)

// TopRole returns the member's highest ranked role.
func TopRole(member platform.Member) (platform.Role, bool) {
	if len(member.Roles) == 0 {
		return platform.Role{}, false
	}
	top := member.Roles[0]
	for _, role := range member.Roles[1:] {
		if Outranks(role, top) {
			top = role
		}
	}
	return top, true
}

// Outranks reports whether a sits strictly above b. Equal positions are
// broken by the older (smaller) snowflake, as Discord orders them.
func Outranks(a, b platform.Role) bool {
	if a.ID == b.ID {
		return false
	}
	if a.Position != b.Position {
		return a.Position > b.Position
	}
	return platform.SnowflakeLess(a.ID, b.ID)
}

// Above reports whether a's top role outranks b's. A roleless member is never
// above anyone, and anyone holding a role is above a roleless member.
func Above(a, b platform.Member) bool {
	topA, ok := TopRole(a)
	if !ok {
		return false
	}
	topB, ok := TopRole(b)
	if !ok {
		return true
	}
	return Outranks(topA, topB)
}

// AboveRole reports whether the member's top role outranks role.
func AboveRole(member platform.Member, role platform.Role) bool {
	top, ok := TopRole(member)
	if !ok {
		return false
	}
	return Outranks(top, role)
}

// Permissions folds the member's role bitfields.
func Permissions(member platform.Member) int64 {
	var perms int64
	for _, role := range member.Roles {
		perms |= role.Permissions
	}
	return perms
}

// Overlaps is true when have carries the administrator bit or every bit of required.
func Overlaps(have, required int64) bool {
	if have&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return have&required == required
}
