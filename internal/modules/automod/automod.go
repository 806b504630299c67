// Package automod holds what the detectors share: the engine surface they
// punish through and the qualification gate for message authors.
package automod

import (
	"context"

	"modguard/internal/hierarchy"
	"modguard/internal/platform"
	"modguard/internal/punishment"
	"modguard/internal/storage"

	"github.com/bwmarrin/discordgo"
)

// Engine is the part of *punishment.Engine detectors use. An empty
// moderator id makes the bot the moderator of record.
type Engine interface {
	Settings(ctx context.Context, guildID string) storage.GuildSettings
	Warn(ctx context.Context, target punishment.Target, moderatorID, reason string) ([]punishment.Outcome, error)
	Punish(ctx context.Context, target punishment.Target, p punishment.Punishment) (punishment.Outcome, error)
}

// Staff reports whether member is exempt from message detectors: bots and
// anyone able to manage messages.
func Staff(member platform.Member) bool {
	return member.Bot || hierarchy.Overlaps(hierarchy.Permissions(member), discordgo.PermissionManageMessages)
}

// Qualifies applies the shared gate for message detectors. The bot must also
// outrank the author or nothing it does would stick.
func Qualifies(ctx context.Context, client platform.Client, author platform.Member) bool {
	if Staff(author) {
		return false
	}
	bot, err := client.BotMember(ctx, author.GuildID)
	if err != nil {
		return false
	}
	return hierarchy.Above(bot, author)
}

// Reply posts the guild's custom response, or fallback when none is set.
func Reply(ctx context.Context, client platform.Client, channelID, custom, fallback string) error {
	content := custom
	if content == "" {
		content = fallback
	}
	_, err := client.SendMessage(ctx, channelID, content)
	return err
}
