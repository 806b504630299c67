package punishment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"modguard/internal/hierarchy"
	"modguard/internal/modules/audit"
	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// mutedDeny is the overwrite applied to every text channel for the muted role.
const mutedDeny = discordgo.PermissionSendMessages | discordgo.PermissionAddReactions | discordgo.PermissionVoiceSpeak

func (e *Engine) guildLock(guildID string) *sync.Mutex {
	e.muteMu.Lock()
	defer e.muteMu.Unlock()
	lock := e.muteLocks[guildID]
	if lock == nil {
		lock = &sync.Mutex{}
		e.muteLocks[guildID] = lock
	}
	return lock
}

// mutedRole returns the guild's muted role, creating it below the bot's top
// role when the stored one is missing. Creation is serialised per guild, and
// the stored id is swapped with compare-and-set so a second process that
// loses the race discards its own role.
func (e *Engine) mutedRole(ctx context.Context, bot platform.Member) (platform.Role, error) {
	guildID := bot.GuildID
	lock := e.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	settings, err := e.store.GetGuildSettings(ctx, guildID, e.defaultSettings(guildID))
	if err != nil {
		return platform.Role{}, fmt.Errorf("load guild settings: %w", err)
	}
	if settings.MutedRoleID != "" {
		role, err := e.client.Role(ctx, guildID, settings.MutedRoleID)
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, platform.ErrNotFound) {
			return platform.Role{}, &PlatformError{Op: "fetch muted role", Err: err}
		}
		e.logger.Info("stored muted role is gone, recreating", zap.String("guild_id", guildID), zap.String("role_id", settings.MutedRoleID))
	}

	position := 1
	if top, ok := hierarchy.TopRole(bot); ok && top.Position > 1 {
		position = top.Position - 1
	}
	role, err := e.client.CreateRole(ctx, guildID, platform.RoleSpec{Name: e.cfg.MutedRoleName, Position: position})
	if err != nil {
		return platform.Role{}, &PlatformError{Op: "create muted role", Err: err}
	}

	won, err := e.store.SwapMutedRole(ctx, settings, role.ID)
	if err != nil {
		if delErr := e.client.DeleteRole(ctx, guildID, role.ID); delErr != nil {
			e.logger.Warn("delete unsaved muted role", zap.String("guild_id", guildID), zap.String("role_id", role.ID), zap.Error(delErr))
		}
		return platform.Role{}, fmt.Errorf("store muted role: %w", err)
	}
	if !won {
		if err := e.client.DeleteRole(ctx, guildID, role.ID); err != nil {
			e.logger.Warn("delete duplicate muted role", zap.String("guild_id", guildID), zap.String("role_id", role.ID), zap.Error(err))
		}
		current, err := e.store.GetGuildSettings(ctx, guildID, e.defaultSettings(guildID))
		if err != nil {
			return platform.Role{}, fmt.Errorf("reload guild settings: %w", err)
		}
		winner, err := e.client.Role(ctx, guildID, current.MutedRoleID)
		if err != nil {
			return platform.Role{}, &PlatformError{Op: "fetch muted role", Err: err}
		}
		return winner, nil
	}

	e.denyChannels(ctx, guildID, role.ID)
	e.auditLog(ctx, audit.LevelInfo, guildID, bot.ID, "muted_role_created", "role="+role.ID)
	return role, nil
}

func (e *Engine) denyChannels(ctx context.Context, guildID, roleID string) {
	channels, err := e.client.Channels(ctx, guildID)
	if err != nil {
		e.logger.Warn("list channels for muted role", zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	for _, channel := range channels {
		if err := e.client.EditChannelPermission(ctx, channel.ID, roleID, 0, mutedDeny); err != nil {
			e.logger.Warn("muted overwrite failed", zap.String("channel_id", channel.ID), zap.Error(err))
		}
	}
}
