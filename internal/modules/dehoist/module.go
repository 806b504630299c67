package dehoist

import (
	"context"
	"strings"

	"modguard/internal/hierarchy"
	"modguard/internal/metrics"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod"
	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// hoistChars sort ahead of letters and digits in the member list.
const hoistChars = "!\"#$%&'()*+,-./"

const fallbackName = "dehoisted"

type Module struct {
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
}

func New(engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{engine: engine, client: client, audit: auditLogger, logger: logger.Named("dehoist")}
}

// HandleMember renames a member whose display name starts with a hoisting
// character. It runs on join and on member updates.
func (m *Module) HandleMember(ctx context.Context, member platform.Member) bool {
	if member.Bot {
		return false
	}
	name := member.DisplayName()
	if !Hoisted(name) {
		return false
	}
	settings := m.engine.Settings(ctx, member.GuildID)
	if !settings.DehoistEnabled {
		return false
	}
	bot, err := m.client.BotMember(ctx, member.GuildID)
	if err != nil {
		return false
	}
	if !hierarchy.Overlaps(hierarchy.Permissions(bot), discordgo.PermissionManageNicknames) || !hierarchy.Above(bot, member) {
		return false
	}

	nick := Clean(name)
	if err := m.client.SetNickname(ctx, member.GuildID, member.ID, nick); err != nil {
		m.logger.Warn("dehoist failed", zap.String("guild_id", member.GuildID), zap.String("user_id", member.ID), zap.Error(err))
		return false
	}
	metrics.DetectionsTotal.WithLabelValues("dehoist").Inc()
	m.audit.Log(ctx, audit.LevelInfo, member.GuildID, member.ID, "dehoist", "from="+name+" to="+nick)
	return true
}

func Hoisted(name string) bool {
	return name != "" && strings.ContainsRune(hoistChars, rune(name[0]))
}

// Clean strips the leading hoist characters and surrounding spaces.
func Clean(name string) string {
	cleaned := strings.TrimSpace(strings.TrimLeft(name, hoistChars+" "))
	if cleaned == "" {
		return fallbackName
	}
	return cleaned
}
