// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
)

// Fake records every mutation and keeps guild state in maps. Errors set on
// the exported fields are returned by the matching call.
type Fake struct {
	mu sync.Mutex

	Bot        platform.Member
	members    map[string]platform.Member
	roles      map[string]platform.Role
	bans       map[string]bool
	channels   []platform.Channel
	Overwrites map[string]int64
	Calls      []string
	Sent       []string
	Embeds     map[string]*discordgo.MessageEmbed
	Deleted    []string
	Nicknames  map[string]string
	nextID     int

	BanErr        error
	KickErr       error
	SendErr       error
	DeleteRoleErr error
	OnCreate      func(role platform.Role)
	OnBanCall     func(userID string)
}

func New(bot platform.Member) *Fake {
	f := &Fake{
		Bot:        bot,
		members:    make(map[string]platform.Member),
		roles:      make(map[string]platform.Role),
		bans:       make(map[string]bool),
		Overwrites: make(map[string]int64),
		Embeds:     make(map[string]*discordgo.MessageEmbed),
		Nicknames:  make(map[string]string),
	}
	for _, role := range bot.Roles {
		f.roles[role.ID] = role
	}
	return f
}

func (f *Fake) AddMember(member platform.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[member.ID] = member
	for _, role := range member.Roles {
		f.roles[role.ID] = role
	}
}

func (f *Fake) AddGuildRole(role platform.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[role.ID] = role
}

func (f *Fake) AddChannel(channel platform.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
}

func (f *Fake) SetBanned(userID string, banned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[userID] = banned
}

func (f *Fake) Banned(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bans[userID]
}

// CallCount counts recorded calls with the given name.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.Calls {
		if call == name {
			count++
		}
	}
	return count
}

func (f *Fake) HasRole(userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[userID].HasRole(roleID)
}

func (f *Fake) record(name string) {
	f.Calls = append(f.Calls, name)
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *Fake) BanMember(_ context.Context, _, userID, _ string, _ int) error {
	f.mu.Lock()
	hook := f.OnBanCall
	if f.BanErr != nil {
		f.mu.Unlock()
		return f.BanErr
	}
	f.record("ban")
	f.bans[userID] = true
	delete(f.members, userID)
	f.mu.Unlock()
	if hook != nil {
		hook(userID)
	}
	return nil
}

func (f *Fake) UnbanMember(_ context.Context, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unban")
	if !f.bans[userID] {
		return platform.ErrNotFound
	}
	delete(f.bans, userID)
	return nil
}

func (f *Fake) IsBanned(_ context.Context, _, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bans[userID], nil
}

func (f *Fake) KickMember(_ context.Context, _, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KickErr != nil {
		return f.KickErr
	}
	f.record("kick")
	delete(f.members, userID)
	return nil
}

func (f *Fake) AddRole(_ context.Context, _, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("addrole")
	member, ok := f.members[userID]
	if !ok {
		return platform.ErrNotFound
	}
	role, ok := f.roles[roleID]
	if !ok {
		return platform.ErrNotFound
	}
	if !member.HasRole(roleID) {
		member.Roles = append(member.Roles, role)
		f.members[userID] = member
	}
	return nil
}

func (f *Fake) RemoveRole(_ context.Context, _, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("removerole")
	member, ok := f.members[userID]
	if !ok {
		return platform.ErrNotFound
	}
	kept := member.Roles[:0:0]
	for _, role := range member.Roles {
		if role.ID != roleID {
			kept = append(kept, role)
		}
	}
	member.Roles = kept
	f.members[userID] = member
	return nil
}

func (f *Fake) CreateRole(_ context.Context, _ string, spec platform.RoleSpec) (platform.Role, error) {
	f.mu.Lock()
	f.record("createrole")
	role := platform.Role{ID: f.id("role"), Name: spec.Name, Position: spec.Position, Permissions: spec.Permissions}
	f.roles[role.ID] = role
	hook := f.OnCreate
	f.mu.Unlock()
	if hook != nil {
		hook(role)
	}
	return role, nil
}

func (f *Fake) DeleteRole(_ context.Context, _, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("deleterole")
	if f.DeleteRoleErr != nil {
		return f.DeleteRoleErr
	}
	delete(f.roles, roleID)
	return nil
}

func (f *Fake) Role(_ context.Context, _, roleID string) (platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[roleID]
	if !ok {
		return platform.Role{}, platform.ErrNotFound
	}
	return role, nil
}

func (f *Fake) EditChannelPermission(_ context.Context, channelID, _ string, _, deny int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("overwrite")
	f.Overwrites[channelID] = deny
	return nil
}

func (f *Fake) Channels(_ context.Context, _ string) ([]platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Channel(nil), f.channels...), nil
}

func (f *Fake) Member(_ context.Context, _, userID string) (platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member, ok := f.members[userID]
	if !ok {
		return platform.Member{}, platform.ErrNotFound
	}
	return member, nil
}

func (f *Fake) BotMember(_ context.Context, _ string) (platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Bot, nil
}

func (f *Fake) SetNickname(_ context.Context, _, userID, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("nickname")
	f.Nicknames[userID] = nick
	return nil
}

func (f *Fake) SendMessage(_ context.Context, _, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.record("send")
	f.Sent = append(f.Sent, content)
	return f.id("msg"), nil
}

func (f *Fake) SendEmbed(_ context.Context, _ string, embed *discordgo.MessageEmbed) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.record("embed")
	id := f.id("msg")
	f.Embeds[id] = embed
	return id, nil
}

func (f *Fake) EditEmbed(_ context.Context, _, messageID string, embed *discordgo.MessageEmbed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("editembed")
	if _, ok := f.Embeds[messageID]; !ok {
		return platform.ErrNotFound
	}
	f.Embeds[messageID] = embed
	return nil
}

func (f *Fake) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("deletemessage")
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

var _ platform.Client = (*Fake)(nil)
