package antispam

import (
	"context"
	"fmt"
	"time"

	"modguard/internal/config"
	"modguard/internal/metrics"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod"
	"modguard/internal/platform"
	"modguard/internal/punishment"
	"modguard/internal/utils"

	"go.uber.org/zap"
)

// Module flags members sending SpamMessages messages within SpamWindowMs.
// Its queues live in process memory only.
type Module struct {
	state  *utils.Tracker
	config config.AutomodConfig
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
}

func New(cfg config.AutomodConfig, state *utils.Tracker, engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{
		state:  state,
		config: cfg,
		engine: engine,
		client: client,
		audit:  auditLogger,
		logger: logger.Named("antispam"),
	}
}

func (m *Module) HandleMessage(ctx context.Context, msg platform.Message) bool {
	settings := m.engine.Settings(ctx, msg.GuildID)
	if !settings.SpamEnabled || !automod.Qualifies(ctx, m.client, msg.Author) {
		return false
	}
	defer m.state.Sweep(msg.Timestamp, time.Duration(m.config.SpamStaleMs)*time.Millisecond)

	oldest, full := m.state.Record(msg.GuildID, msg.Author.ID, msg.Timestamp, m.config.SpamMessages)
	if !full || msg.Edited {
		return false
	}
	span := msg.Timestamp.Sub(oldest)
	if span > time.Duration(m.config.SpamWindowMs)*time.Millisecond {
		return false
	}

	m.state.Clear(msg.GuildID, msg.Author.ID)
	metrics.DetectionsTotal.WithLabelValues("spam").Inc()
	detail := fmt.Sprintf("type=SPAM rule=%dmsgs/%dms value=%dms", m.config.SpamMessages, m.config.SpamWindowMs, span.Milliseconds())
	m.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.Author.ID, "anti_spam", detail)

	if _, err := m.engine.Warn(ctx, punishment.Resolved{Member: msg.Author}, "", "spam"); err != nil {
		m.logger.Warn("spam escalation failed", zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.Author.ID), zap.Error(err))
	}
	fallback := fmt.Sprintf("<@%s>, please slow down. Spamming earns warnings.", msg.Author.ID)
	if err := automod.Reply(ctx, m.client, msg.ChannelID, settings.SpamResponse, fallback); err != nil {
		m.logger.Debug("spam reply failed", zap.Error(err))
	}
	return true
}
