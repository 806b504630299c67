package punishment

import (
	"context"
	"errors"
	"fmt"

	"modguard/internal/storage"

	"go.uber.org/zap"
)

// AddWarning increments the member's warning count and returns the
// punishments to run: the AddWarning itself, then the first rule configured
// for the new count, if any. The count is capped at the configured maximum.
func (e *Engine) AddWarning(ctx context.Context, target Target, moderatorID, reason string) (Escalation, error) {
	guildID, userID := target.GuildID(), target.UserID()
	amount, err := e.store.IncrementWarning(ctx, guildID, userID, reason, e.cfg.MaxWarnings)
	if err != nil {
		return Escalation{}, fmt.Errorf("increment warnings: %w", err)
	}
	rules, err := e.store.ListPunishmentRules(ctx, guildID)
	if err != nil {
		return Escalation{}, fmt.Errorf("load punishment rules: %w", err)
	}

	escalation := Escalation{
		Warnings:    amount,
		Punishments: []Punishment{{Kind: AddWarning, ModeratorID: moderatorID, Reason: reason}},
	}
	if rule, ok := matchRule(rules, amount); ok {
		p, err := FromRule(rule, moderatorID)
		if err != nil {
			e.logger.Warn("skipping invalid punishment rule", zap.String("guild_id", guildID), zap.Int("position", rule.Position), zap.Error(err))
			return escalation, nil
		}
		if p.Reason == "" {
			p.Reason = fmt.Sprintf("reached %d warnings", amount)
		}
		escalation.Punishments = append(escalation.Punishments, p)
	}
	return escalation, nil
}

func matchRule(rules []storage.PunishmentRule, amount int) (storage.PunishmentRule, bool) {
	for _, rule := range rules {
		if rule.Warnings == amount {
			return rule, true
		}
	}
	return storage.PunishmentRule{}, false
}

// Warn adds a warning and executes the resulting punishments in order. It
// stops at the first failure and returns the outcomes gathered so far.
func (e *Engine) Warn(ctx context.Context, target Target, moderatorID, reason string) ([]Outcome, error) {
	escalation, err := e.AddWarning(ctx, target, moderatorID, reason)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(escalation.Punishments))
	for _, p := range escalation.Punishments {
		outcome, err := e.Punish(ctx, target, p)
		if err != nil {
			return outcomes, fmt.Errorf("escalate %s: %w", p.Kind, err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Pardon removes up to n warnings and returns the remaining amount.
func (e *Engine) Pardon(ctx context.Context, guildID, userID string, n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("pardon amount must be positive")
	}
	amount, err := e.store.DecrementWarning(ctx, guildID, userID, n)
	if err != nil {
		return 0, fmt.Errorf("decrement warnings: %w", err)
	}
	return amount, nil
}

// UpdateReason changes a case's reason and edits its mod-log message in place
// when one was posted.
func (e *Engine) UpdateReason(ctx context.Context, guildID string, index int, reason string) (Outcome, error) {
	updated, err := e.store.UpdateCase(ctx, guildID, index, storage.CasePatch{Reason: &reason})
	if err != nil {
		return Outcome{}, fmt.Errorf("update case %d: %w", index, err)
	}
	outcome := Outcome{Case: &updated}
	if updated.NotificationMessageID == "" {
		return outcome, nil
	}
	settings := e.Settings(ctx, guildID)
	if err := e.notifier.Edit(ctx, settings.ModLogChannelID, updated); err != nil {
		e.logger.Warn("mod-log edit failed", zap.String("guild_id", guildID), zap.Int("case", index), zap.Error(err))
		outcome.Warning = "notification not updated: " + err.Error()
	}
	return outcome, nil
}
