package mentions

import (
	"context"
	"fmt"

	"modguard/internal/metrics"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod"
	"modguard/internal/platform"
	"modguard/internal/punishment"

	"go.uber.org/zap"
)

// Module removes messages pinging at least MentionLimit distinct users and
// roles. A limit of zero turns it off.
type Module struct {
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
}

func New(engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{engine: engine, client: client, audit: auditLogger, logger: logger.Named("mentions")}
}

func (m *Module) HandleMessage(ctx context.Context, msg platform.Message) bool {
	settings := m.engine.Settings(ctx, msg.GuildID)
	if settings.MentionLimit <= 0 {
		return false
	}
	count := uniqueMentions(msg)
	if count < settings.MentionLimit || !automod.Qualifies(ctx, m.client, msg.Author) {
		return false
	}

	metrics.DetectionsTotal.WithLabelValues("mentions").Inc()
	detail := fmt.Sprintf("type=MENTIONS value=%d threshold=%d", count, settings.MentionLimit)
	m.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.Author.ID, "mass_mention", detail)

	if err := m.client.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		m.logger.Warn("delete mention message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if _, err := m.engine.Warn(ctx, punishment.Resolved{Member: msg.Author}, "", "mass mentioning"); err != nil {
		m.logger.Warn("mention escalation failed", zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.Author.ID), zap.Error(err))
	}
	return true
}

func uniqueMentions(msg platform.Message) int {
	seen := make(map[string]struct{}, len(msg.Mentions)+len(msg.RoleMention))
	for _, id := range msg.Mentions {
		seen["u"+id] = struct{}{}
	}
	for _, id := range msg.RoleMention {
		seen["r"+id] = struct{}{}
	}
	return len(seen)
}
