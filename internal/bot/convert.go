package bot

import (
	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
)

func convertRole(role *discordgo.Role) platform.Role {
	return platform.Role{
		ID:          role.ID,
		Name:        role.Name,
		Position:    role.Position,
		Permissions: role.Permissions,
	}
}

// convertMember resolves the member's role ids against roles. Ids missing
// from roles are dropped.
func convertMember(guildID string, member *discordgo.Member, roles map[string]*discordgo.Role) platform.Member {
	result := platform.Member{
		GuildID:  guildID,
		Nick:     member.Nick,
		JoinedAt: member.JoinedAt,
	}
	if member.User != nil {
		result.ID = member.User.ID
		result.Username = member.User.Username
		result.Bot = member.User.Bot
	}
	for _, id := range member.Roles {
		if role, ok := roles[id]; ok {
			result.Roles = append(result.Roles, convertRole(role))
		}
	}
	return result
}

// convertMessage returns false for messages outside a guild or without an
// author.
func convertMessage(msg *discordgo.Message, roles map[string]*discordgo.Role) (platform.Message, bool) {
	if msg == nil || msg.GuildID == "" || msg.Author == nil {
		return platform.Message{}, false
	}
	author := platform.Member{ID: msg.Author.ID, GuildID: msg.GuildID, Username: msg.Author.Username, Bot: msg.Author.Bot}
	if msg.Member != nil {
		partial := *msg.Member
		partial.User = msg.Author
		author = convertMember(msg.GuildID, &partial, roles)
	}

	result := platform.Message{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		Author:      author,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
		Edited:      msg.EditedTimestamp != nil,
		RoleMention: msg.MentionRoles,
	}
	for _, user := range msg.Mentions {
		result.Mentions = append(result.Mentions, user.ID)
	}
	return result, true
}
