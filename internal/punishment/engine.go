package punishment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modguard/internal/config"
	"modguard/internal/hierarchy"
	"modguard/internal/metrics"
	"modguard/internal/modlog"
	"modguard/internal/modules/audit"
	"modguard/internal/platform"
	"modguard/internal/storage"
	"modguard/internal/timeout"

	"go.uber.org/zap"
)

// Scheduler persists and cancels reversals. *timeout.Manager satisfies it.
type Scheduler interface {
	AddTimeout(ctx context.Context, guildID, userID string, task timeout.TaskKind, d time.Duration) (timeout.Pending, error)
	CancelTimeout(ctx context.Context, guildID, userID string, task timeout.TaskKind) error
}

type Engine struct {
	client    platform.Client
	store     *storage.Store
	scheduler Scheduler
	notifier  *modlog.Notifier
	audit     *audit.Logger
	logger    *zap.Logger
	cfg       config.PunishmentConfig
	defaults  config.GuildDefaultsConf

	muteMu    sync.Mutex
	muteLocks map[string]*sync.Mutex
}

func New(cfg config.Config, client platform.Client, store *storage.Store, scheduler Scheduler, auditLogger *audit.Logger, logger *zap.Logger) *Engine {
	return &Engine{
		client:    client,
		store:     store,
		scheduler: scheduler,
		notifier:  modlog.New(client, cfg.Notifications.EmbedColors),
		audit:     auditLogger,
		logger:    logger.Named("punishment"),
		cfg:       cfg.Punishments,
		defaults:  cfg.Defaults,
		muteLocks: make(map[string]*sync.Mutex),
	}
}

// Settings returns the guild's settings, falling back to configured defaults
// when the store is unavailable.
func (e *Engine) Settings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := e.defaultSettings(guildID)
	settings, err := e.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		e.logger.Warn("guild settings fallback", zap.String("guild_id", guildID), zap.Error(err))
		return defaults
	}
	return settings
}

func (e *Engine) defaultSettings(guildID string) storage.GuildSettings {
	return storage.GuildSettings{
		GuildID:         guildID,
		ModLogChannelID: e.defaults.ModLogChannel,
		SpamEnabled:     true,
		RaidEnabled:     true,
		MentionLimit:    e.defaults.MentionLimit,
		AccountAgeDays:  e.defaults.AccountAgeDays,
	}
}

// Punish runs one punishment through guard, platform mutation, reversal
// scheduling, case creation and mod-log notification, in that order. A
// refused call returns ErrPermissionDenied without touching the platform.
func (e *Engine) Punish(ctx context.Context, target Target, p Punishment) (Outcome, error) {
	outcome, err := e.execute(ctx, target, p, false)
	metrics.PunishmentsTotal.WithLabelValues(p.Kind.String(), resultLabel(err)).Inc()
	return outcome, err
}

// Reverse undoes the temporary punishment behind a fired timeout. The
// pending record is left to the timeout manager.
func (e *Engine) Reverse(ctx context.Context, pending timeout.Pending) error {
	kind := Unmute
	if pending.Task == timeout.TaskUnban {
		kind = Unban
	}
	target := Unresolved{Guild: pending.GuildID, User: pending.UserID}
	p := Punishment{Kind: kind, Reason: "temporary " + strings.TrimPrefix(pending.Task.String(), "un") + " expired"}
	outcome, err := e.execute(ctx, target, p, true)
	metrics.PunishmentsTotal.WithLabelValues(kind.String(), resultLabel(err)).Inc()
	if err == nil && outcome.Warning != "" {
		e.logger.Warn("reversal recorded with warning", zap.String("guild_id", pending.GuildID), zap.String("warning", outcome.Warning))
	}
	return err
}

func (e *Engine) execute(ctx context.Context, target Target, p Punishment, reversal bool) (Outcome, error) {
	guildID, userID := target.GuildID(), target.UserID()
	bot, err := e.client.BotMember(ctx, guildID)
	if err != nil {
		return Outcome{}, &PlatformError{Op: "fetch bot member", Err: err}
	}
	if p.ModeratorID == "" {
		p.ModeratorID = bot.ID
	}

	member, resolved, err := e.resolve(ctx, target)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.authorize(bot, member, resolved, p.Kind); err != nil {
		e.logger.Info("punishment refused", zap.String("kind", p.Kind.String()), zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		e.auditLog(ctx, audit.LevelWarn, guildID, userID, "punishment_denied", err.Error())
		return Outcome{}, err
	}

	var warnings []string
	switch p.Kind {
	case Ban:
		warnings, err = e.ban(ctx, guildID, userID, p, reversal)
	case Kick:
		if !resolved {
			return Outcome{}, ErrTargetNotResolvable
		}
		if err := e.client.KickMember(ctx, guildID, userID, p.Reason); err != nil {
			return Outcome{}, &PlatformError{Op: "kick", Err: err}
		}
	case Mute:
		if !resolved {
			return Outcome{}, ErrTargetNotResolvable
		}
		warnings, err = e.mute(ctx, bot, member, p, reversal)
	case Unmute:
		warnings, err = e.unmute(ctx, member, resolved, guildID, userID, reversal)
	case Unban:
		warnings, err = e.unban(ctx, guildID, userID, reversal)
	case AddRole, RemoveRole:
		return Outcome{}, e.editRole(ctx, bot, member, resolved, p)
	case AddWarning, RemoveWarning:
	default:
		return Outcome{}, fmt.Errorf("unsupported punishment kind %s", p.Kind)
	}
	if err != nil {
		return Outcome{}, err
	}

	created, err := e.store.CreateCase(ctx, storage.Case{
		GuildID:     guildID,
		ModeratorID: p.ModeratorID,
		VictimID:    userID,
		Kind:        p.Kind.String(),
		Reason:      p.Reason,
		Duration:    p.Duration,
		SoftBan:     p.Kind == Ban && p.SoftBan,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record %s case: %w", p.Kind, err)
	}
	e.auditLog(ctx, audit.LevelInfo, guildID, userID, "punishment", fmt.Sprintf("kind=%s case=%d moderator=%s", p.Kind, created.Index, p.ModeratorID))

	if warning := e.notify(ctx, &created); warning != "" {
		warnings = append(warnings, warning)
	}
	return Outcome{Case: &created, Warning: strings.Join(warnings, "; ")}, nil
}

func (e *Engine) resolve(ctx context.Context, target Target) (platform.Member, bool, error) {
	if r, ok := target.(Resolved); ok {
		return r.Member, true, nil
	}
	member, err := e.client.Member(ctx, target.GuildID(), target.UserID())
	if err == nil {
		return member, true, nil
	}
	if errors.Is(err, platform.ErrNotFound) {
		return platform.Member{ID: target.UserID(), GuildID: target.GuildID()}, false, nil
	}
	return platform.Member{}, false, &PlatformError{Op: "fetch member", Err: err}
}

func (e *Engine) authorize(bot, member platform.Member, resolved bool, kind Kind) error {
	required := RequiredPermissions(kind)
	if !hierarchy.Overlaps(hierarchy.Permissions(bot), required) {
		return denied("%s requires permission bits %d", kind, required)
	}
	if resolved && member.ID == bot.ID {
		return denied("bot cannot act on itself")
	}
	if resolved && !hierarchy.Above(bot, member) {
		return denied("bot does not outrank %s", member.ID)
	}
	return nil
}

func (e *Engine) ban(ctx context.Context, guildID, userID string, p Punishment, reversal bool) ([]string, error) {
	days := e.cfg.DefaultDeleteDays
	if p.DeleteMessageDays != nil {
		days = min(max(*p.DeleteMessageDays, 0), 7)
	}
	if err := e.client.BanMember(ctx, guildID, userID, p.Reason, days); err != nil {
		return nil, &PlatformError{Op: "ban", Err: err}
	}

	var warnings []string
	switch {
	case p.SoftBan:
		if err := e.client.UnbanMember(ctx, guildID, userID); err != nil {
			e.logger.Error("softban unban failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
			warnings = append(warnings, "soft ban could not lift the ban: "+err.Error())
		}
	case p.Temporary():
		if _, err := e.scheduler.AddTimeout(ctx, guildID, userID, timeout.TaskUnban, p.Duration); err != nil {
			e.logger.Error("schedule unban failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
			warnings = append(warnings, "unban could not be scheduled: "+err.Error())
		}
	case !reversal:
		warnings = append(warnings, e.cancel(ctx, guildID, userID, timeout.TaskUnban)...)
	}
	return warnings, nil
}

func (e *Engine) mute(ctx context.Context, bot, member platform.Member, p Punishment, reversal bool) ([]string, error) {
	role, err := e.mutedRole(ctx, bot)
	if err != nil {
		return nil, err
	}
	if !hierarchy.AboveRole(bot, role) {
		return nil, denied("muted role %s sits above the bot", role.ID)
	}
	if !member.HasRole(role.ID) {
		if err := e.client.AddRole(ctx, member.GuildID, member.ID, role.ID); err != nil {
			return nil, &PlatformError{Op: "add muted role", Err: err}
		}
	}

	if p.Temporary() {
		if _, err := e.scheduler.AddTimeout(ctx, member.GuildID, member.ID, timeout.TaskUnmute, p.Duration); err != nil {
			e.logger.Error("schedule unmute failed", zap.String("guild_id", member.GuildID), zap.String("user_id", member.ID), zap.Error(err))
			return []string{"unmute could not be scheduled: " + err.Error()}, nil
		}
		return nil, nil
	}
	if reversal {
		return nil, nil
	}
	return e.cancel(ctx, member.GuildID, member.ID, timeout.TaskUnmute), nil
}

func (e *Engine) unmute(ctx context.Context, member platform.Member, resolved bool, guildID, userID string, reversal bool) ([]string, error) {
	settings := e.Settings(ctx, guildID)
	if resolved && settings.MutedRoleID != "" && member.HasRole(settings.MutedRoleID) {
		if err := e.client.RemoveRole(ctx, guildID, userID, settings.MutedRoleID); err != nil && !errors.Is(err, platform.ErrNotFound) {
			return nil, &PlatformError{Op: "remove muted role", Err: err}
		}
	}
	if reversal {
		return nil, nil
	}
	return e.cancel(ctx, guildID, userID, timeout.TaskUnmute), nil
}

func (e *Engine) unban(ctx context.Context, guildID, userID string, reversal bool) ([]string, error) {
	banned, err := e.client.IsBanned(ctx, guildID, userID)
	if err != nil {
		return nil, &PlatformError{Op: "fetch ban", Err: err}
	}
	if banned {
		if err := e.client.UnbanMember(ctx, guildID, userID); err != nil && !errors.Is(err, platform.ErrNotFound) {
			return nil, &PlatformError{Op: "unban", Err: err}
		}
	}
	if reversal {
		return nil, nil
	}
	return e.cancel(ctx, guildID, userID, timeout.TaskUnban), nil
}

func (e *Engine) editRole(ctx context.Context, bot, member platform.Member, resolved bool, p Punishment) error {
	if !resolved {
		return ErrTargetNotResolvable
	}
	if p.RoleID == "" {
		return ErrMissingRole
	}
	role, err := e.client.Role(ctx, member.GuildID, p.RoleID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return ErrMissingRole
		}
		return &PlatformError{Op: "fetch role", Err: err}
	}
	if !hierarchy.AboveRole(bot, role) {
		return denied("role %s sits above the bot", role.ID)
	}

	if p.Kind == AddRole {
		if member.HasRole(role.ID) {
			return nil
		}
		if err := e.client.AddRole(ctx, member.GuildID, member.ID, role.ID); err != nil {
			return &PlatformError{Op: "add role", Err: err}
		}
		return nil
	}
	if !member.HasRole(role.ID) {
		return nil
	}
	if err := e.client.RemoveRole(ctx, member.GuildID, member.ID, role.ID); err != nil {
		return &PlatformError{Op: "remove role", Err: err}
	}
	return nil
}

func (e *Engine) cancel(ctx context.Context, guildID, userID string, task timeout.TaskKind) []string {
	if err := e.scheduler.CancelTimeout(ctx, guildID, userID, task); err != nil {
		e.logger.Error("cancel timeout failed", zap.String("task", task.String()), zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return []string{"pending " + task.String() + " could not be cancelled: " + err.Error()}
	}
	return nil
}

// notify posts the case and stores the message id on it. The returned string
// is empty on success.
func (e *Engine) notify(ctx context.Context, c *storage.Case) string {
	settings := e.Settings(ctx, c.GuildID)
	messageID, err := e.notifier.Post(ctx, settings.ModLogChannelID, *c)
	if err != nil {
		e.logger.Warn("mod-log notification failed", zap.String("guild_id", c.GuildID), zap.Int("case", c.Index), zap.Error(err))
		return "notification failed: " + err.Error()
	}
	updated, err := e.store.UpdateCase(ctx, c.GuildID, c.Index, storage.CasePatch{NotificationMessageID: &messageID})
	if err != nil {
		e.logger.Warn("store notification id failed", zap.String("guild_id", c.GuildID), zap.Int("case", c.Index), zap.Error(err))
		return "notification id not stored: " + err.Error()
	}
	*c = updated
	return ""
}

func (e *Engine) auditLog(ctx context.Context, level, guildID, userID, event, details string) {
	if e.audit != nil {
		e.audit.Log(ctx, level, guildID, userID, event, details)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	default:
		return "error"
	}
}
