package antiraid

import (
	"context"
	"fmt"
	"time"

	"modguard/internal/config"
	"modguard/internal/hierarchy"
	"modguard/internal/metrics"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod"
	"modguard/internal/platform"
	"modguard/internal/punishment"

	"go.uber.org/zap"
)

const (
	raidPrefix       = "Raid:"
	accountAgePrefix = "AccountAge:"
)

// Module bans every member of a join burst. The window is kept in the shared
// store so bursts spanning a restart or several workers are still seen.
type Module struct {
	window burstWindow
	config config.AutomodConfig
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg config.AutomodConfig, queue Queue, engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{
		window: burstWindow{
			queue:  queue,
			prefix: raidPrefix,
			size:   cfg.RaidJoins,
			span:   time.Duration(cfg.RaidWindowMs) * time.Millisecond,
		},
		config: cfg,
		engine: engine,
		client: client,
		audit:  auditLogger,
		logger: logger.Named("antiraid"),
		now:    time.Now,
	}
}

func (m *Module) HandleJoin(ctx context.Context, member platform.Member) bool {
	settings := m.engine.Settings(ctx, member.GuildID)
	if !settings.RaidEnabled || !joinQualifies(ctx, m.client, member) {
		return false
	}
	at := joinedAt(member, m.now)
	members, err := m.window.push(ctx, member.GuildID, member.ID, at)
	if err != nil {
		m.logger.Warn("raid window failed", zap.String("guild_id", member.GuildID), zap.Error(err))
	}
	if len(members) == 0 {
		return false
	}

	metrics.DetectionsTotal.WithLabelValues("raid").Inc()
	detail := fmt.Sprintf("type=RAID rule=%djoins/%dms members=%d", m.config.RaidJoins, m.config.RaidWindowMs, len(members))
	m.audit.Log(ctx, audit.LevelCrit, member.GuildID, member.ID, "anti_raid", detail)
	banAll(ctx, m.engine, m.logger, member.GuildID, members, "raid detected")
	return true
}

// AccountAgeModule bans bursts of joins from accounts younger than the
// guild's AccountAgeDays.
type AccountAgeModule struct {
	window burstWindow
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
	now    func() time.Time
}

func NewAccountAge(cfg config.AutomodConfig, queue Queue, engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *AccountAgeModule {
	return &AccountAgeModule{
		window: burstWindow{
			queue:  queue,
			prefix: accountAgePrefix,
			size:   cfg.AccountAgeJoins,
			span:   time.Duration(cfg.AccountAgeWindow) * time.Millisecond,
		},
		engine: engine,
		client: client,
		audit:  auditLogger,
		logger: logger.Named("accountage"),
		now:    time.Now,
	}
}

func (m *AccountAgeModule) HandleJoin(ctx context.Context, member platform.Member) bool {
	settings := m.engine.Settings(ctx, member.GuildID)
	if settings.AccountAgeDays <= 0 || !joinQualifies(ctx, m.client, member) {
		return false
	}
	at := joinedAt(member, m.now)
	created := member.CreatedAt()
	if created.IsZero() || at.Sub(created) >= time.Duration(settings.AccountAgeDays)*24*time.Hour {
		return false
	}

	members, err := m.window.push(ctx, member.GuildID, member.ID, at)
	if err != nil {
		m.logger.Warn("account age window failed", zap.String("guild_id", member.GuildID), zap.Error(err))
	}
	if len(members) == 0 {
		return false
	}

	metrics.DetectionsTotal.WithLabelValues("account_age").Inc()
	detail := fmt.Sprintf("type=ACCOUNT_AGE max_days=%d members=%d", settings.AccountAgeDays, len(members))
	m.audit.Log(ctx, audit.LevelCrit, member.GuildID, member.ID, "account_age", detail)
	banAll(ctx, m.engine, m.logger, member.GuildID, members, "suspicious new account burst")
	return true
}

func joinQualifies(ctx context.Context, client platform.Client, member platform.Member) bool {
	if member.Bot {
		return false
	}
	bot, err := client.BotMember(ctx, member.GuildID)
	if err != nil {
		return false
	}
	return hierarchy.Above(bot, member)
}

func joinedAt(member platform.Member, now func() time.Time) time.Time {
	if !member.JoinedAt.IsZero() {
		return member.JoinedAt
	}
	return now()
}

func banAll(ctx context.Context, engine automod.Engine, logger *zap.Logger, guildID string, members []string, reason string) {
	for _, id := range members {
		target := punishment.Unresolved{Guild: guildID, User: id}
		if _, err := engine.Punish(ctx, target, punishment.Punishment{Kind: punishment.Ban, Reason: reason}); err != nil {
			logger.Warn("burst ban failed", zap.String("guild_id", guildID), zap.String("user_id", id), zap.Error(err))
		}
	}
}
