package platform

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ErrNotFound is returned by a Client when the member, role, ban or message
// does not exist on the platform.
var ErrNotFound = errors.New("platform: not found")

type Role struct {
	ID          string
	Name        string
	Position    int
	Permissions int64
}

type Member struct {
	ID       string
	GuildID  string
	Username string
	Nick     string
	Bot      bool
	Roles    []Role
	JoinedAt time.Time
}

// DisplayName is the nickname when set, the username otherwise.
func (m Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.Username
}

// CreatedAt derives the account creation time from the snowflake id.
func (m Member) CreatedAt() time.Time {
	ts, err := discordgo.SnowflakeTimestamp(m.ID)
	if err != nil {
		return time.Time{}
	}
	return ts
}

type Channel struct {
	ID      string
	GuildID string
	Name    string
	Text    bool
}

type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	Author      Member
	Content     string
	Timestamp   time.Time
	Edited      bool
	Mentions    []string
	RoleMention []string
}

type RoleSpec struct {
	Name        string
	Permissions int64
	Position    int
}

// Client is the narrow slice of the chat platform the engine and detectors
// mutate or read. Implementations retry rate-limited calls themselves.
type Client interface {
	BanMember(ctx context.Context, guildID, userID, reason string, deleteDays int) error
	UnbanMember(ctx context.Context, guildID, userID string) error
	IsBanned(ctx context.Context, guildID, userID string) (bool, error)
	KickMember(ctx context.Context, guildID, userID, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
	CreateRole(ctx context.Context, guildID string, spec RoleSpec) (Role, error)
	DeleteRole(ctx context.Context, guildID, roleID string) error
	Role(ctx context.Context, guildID, roleID string) (Role, error)
	EditChannelPermission(ctx context.Context, channelID, roleID string, allow, deny int64) error
	Channels(ctx context.Context, guildID string) ([]Channel, error)
	Member(ctx context.Context, guildID, userID string) (Member, error)
	BotMember(ctx context.Context, guildID string) (Member, error)
	SetNickname(ctx context.Context, guildID, userID, nick string) error
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) (string, error)
	EditEmbed(ctx context.Context, channelID, messageID string, embed *discordgo.MessageEmbed) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// HasRole reports whether the member carries roleID.
func (m Member) HasRole(roleID string) bool {
	for _, role := range m.Roles {
		if role.ID == roleID {
			return true
		}
	}
	return false
}

// SnowflakeLess orders two snowflake ids numerically, falling back to string
// order when either id is not numeric.
func SnowflakeLess(a, b string) bool {
	ai, errA := strconv.ParseUint(a, 10, 64)
	bi, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return ai < bi
}
