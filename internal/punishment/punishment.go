// Package punishment validates, executes and records moderation actions and
// drives warning escalation.
package punishment

import (
	"fmt"
	"strings"
	"time"

	"modguard/internal/platform"
	"modguard/internal/storage"

	"github.com/bwmarrin/discordgo"
)

type Kind int

const (
	Ban Kind = iota + 1
	Kick
	Mute
	Unmute
	Unban
	AddRole
	RemoveRole
	AddWarning
	RemoveWarning
)

var kindNames = map[Kind]string{
	Ban:           "ban",
	Kick:          "kick",
	Mute:          "mute",
	Unmute:        "unmute",
	Unban:         "unban",
	AddRole:       "addrole",
	RemoveRole:    "removerole",
	AddWarning:    "addwarning",
	RemoveWarning: "removewarning",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String and accepts any letter case.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown punishment kind %q", name)
}

// RequiredPermissions is the bitfield the bot must hold to execute kind.
// Warnings need kick rights as a moderation-capability proxy.
func RequiredPermissions(kind Kind) int64 {
	switch kind {
	case Ban, Unban:
		return discordgo.PermissionBanMembers
	case Kick, AddWarning, RemoveWarning:
		return discordgo.PermissionKickMembers
	case Mute, Unmute, AddRole, RemoveRole:
		return discordgo.PermissionManageRoles
	default:
		return discordgo.PermissionAdministrator
	}
}

// CreatesCase is false for structural role edits.
func (k Kind) CreatesCase() bool {
	return k != AddRole && k != RemoveRole
}

// Punishment is a single action to execute. A zero Duration is permanent and
// a nil DeleteMessageDays uses the configured default.
type Punishment struct {
	Kind              Kind
	ModeratorID       string
	Reason            string
	Duration          time.Duration
	SoftBan           bool
	DeleteMessageDays *int
	RoleID            string
}

func (p Punishment) Temporary() bool {
	return p.Duration > 0
}

// FromRule instantiates the template stored in a punishment rule.
func FromRule(rule storage.PunishmentRule, moderatorID string) (Punishment, error) {
	kind, err := ParseKind(rule.Kind)
	if err != nil {
		return Punishment{}, err
	}
	p := Punishment{
		Kind:        kind,
		ModeratorID: moderatorID,
		Reason:      rule.Reason,
		Duration:    time.Duration(rule.DurationMs) * time.Millisecond,
		SoftBan:     rule.SoftBan,
		RoleID:      rule.RoleID,
	}
	if rule.DeleteDays >= 0 {
		days := rule.DeleteDays
		p.DeleteMessageDays = &days
	}
	return p, nil
}

// Target is either a fully fetched member or just a guild/user pair that the
// engine resolves before any role dependent check.
type Target interface {
	GuildID() string
	UserID() string
}

type Resolved struct {
	Member platform.Member
}

func (r Resolved) GuildID() string { return r.Member.GuildID }
func (r Resolved) UserID() string  { return r.Member.ID }

type Unresolved struct {
	Guild string
	User  string
}

func (u Unresolved) GuildID() string { return u.Guild }
func (u Unresolved) UserID() string  { return u.User }

// Outcome reports what Punish recorded. Case is nil for kinds that create
// none. Warning carries non-fatal problems that happened after the platform
// mutation took effect.
type Outcome struct {
	Case    *storage.Case
	Warning string
}

// Escalation is the result of adding a warning: the new amount and the
// punishments to execute, the AddWarning itself first.
type Escalation struct {
	Warnings    int
	Punishments []Punishment
}
