package antiinvite

import (
	"context"
	"fmt"
	"strings"

	"modguard/internal/metrics"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod"
	"modguard/internal/platform"
	"modguard/internal/punishment"
	"modguard/internal/utils"

	"go.uber.org/zap"
)

type Module struct {
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
}

func New(engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{engine: engine, client: client, audit: auditLogger, logger: logger.Named("antiinvite")}
}

// HandleMessage deletes messages carrying server invites and warns the author.
func (m *Module) HandleMessage(ctx context.Context, msg platform.Message) bool {
	if msg.Content == "" {
		return false
	}
	settings := m.engine.Settings(ctx, msg.GuildID)
	if !settings.InviteEnabled {
		return false
	}
	codes := utils.FindInvites(msg.Content)
	if len(codes) == 0 || !automod.Qualifies(ctx, m.client, msg.Author) {
		return false
	}

	metrics.DetectionsTotal.WithLabelValues("invite").Inc()
	detail := fmt.Sprintf("type=INVITE codes=%s", strings.Join(codes, ","))
	m.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.Author.ID, "anti_invite", detail)

	if err := m.client.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		m.logger.Warn("delete invite message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if _, err := m.engine.Warn(ctx, punishment.Resolved{Member: msg.Author}, "", "posting invite links"); err != nil {
		m.logger.Warn("invite escalation failed", zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.Author.ID), zap.Error(err))
	}
	fallback := fmt.Sprintf("<@%s>, invite links are not allowed here.", msg.Author.ID)
	if err := automod.Reply(ctx, m.client, msg.ChannelID, settings.InviteResponse, fallback); err != nil {
		m.logger.Debug("invite reply failed", zap.Error(err))
	}
	return true
}
