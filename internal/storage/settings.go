package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bytedance/sonic"
)

// MaxPunishmentRules bounds the escalation rules a guild may configure.
const MaxPunishmentRules = 15

var ErrTooManyRules = errors.New("storage: punishment rule limit reached")

type GuildSettings struct {
	GuildID         string
	MutedRoleID     string
	ModLogChannelID string
	SpamEnabled     bool
	RaidEnabled     bool
	InviteEnabled   bool
	BadwordsEnabled bool
	DehoistEnabled  bool
	Badwords        []string
	MentionLimit    int
	AccountAgeDays  int
	SpamResponse    string
	InviteResponse  string
	BadwordResponse string
}

// PunishmentRule maps a warning count to the punishment template applied
// when a member reaches it.
type PunishmentRule struct {
	GuildID    string
	Position   int
	Warnings   int
	Kind       string
	DurationMs int64
	SoftBan    bool
	DeleteDays int
	RoleID     string
	Reason     string
}

// GetGuildSettings returns the stored row, or defaults keyed to guildID when
// the guild has none yet.
func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT muted_role_id, mod_log_channel_id, spam_enabled, raid_enabled, invite_enabled,
		badwords_enabled, dehoist_enabled, badwords, mention_limit, account_age_days,
		spam_response, invite_response, badword_response
		FROM guild_settings WHERE guild_id = ?`), guildID)

	result := defaults
	result.GuildID = guildID

	var spam, raid, invite, badwords, dehoist int
	var words string
	err := row.Scan(
		&result.MutedRoleID,
		&result.ModLogChannelID,
		&spam,
		&raid,
		&invite,
		&badwords,
		&dehoist,
		&words,
		&result.MentionLimit,
		&result.AccountAgeDays,
		&result.SpamResponse,
		&result.InviteResponse,
		&result.BadwordResponse,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildSettings{}, err
	}
	result.SpamEnabled = spam == 1
	result.RaidEnabled = raid == 1
	result.InviteEnabled = invite == 1
	result.BadwordsEnabled = badwords == 1
	result.DehoistEnabled = dehoist == 1
	result.Badwords = nil
	if words != "" {
		if err := sonic.UnmarshalString(words, &result.Badwords); err != nil {
			return GuildSettings{}, err
		}
	}
	if result.ModLogChannelID == "" {
		result.ModLogChannelID = defaults.ModLogChannelID
	}
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	return s.writeGuildSettings(ctx, settings, `
		ON CONFLICT(guild_id) DO UPDATE SET
			muted_role_id = excluded.muted_role_id,
			mod_log_channel_id = excluded.mod_log_channel_id,
			spam_enabled = excluded.spam_enabled,
			raid_enabled = excluded.raid_enabled,
			invite_enabled = excluded.invite_enabled,
			badwords_enabled = excluded.badwords_enabled,
			dehoist_enabled = excluded.dehoist_enabled,
			badwords = excluded.badwords,
			mention_limit = excluded.mention_limit,
			account_age_days = excluded.account_age_days,
			spam_response = excluded.spam_response,
			invite_response = excluded.invite_response,
			badword_response = excluded.badword_response`)
}

// SwapMutedRole sets the guild's muted role to next only if the stored value
// still equals settings.MutedRoleID, and reports whether this caller won.
// A guild without a row is first persisted from settings.
func (s *Store) SwapMutedRole(ctx context.Context, settings GuildSettings, next string) (bool, error) {
	seed := settings
	seed.MutedRoleID = ""
	if err := s.writeGuildSettings(ctx, seed, `ON CONFLICT(guild_id) DO NOTHING`); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE guild_settings SET muted_role_id = ?
		WHERE guild_id = ? AND muted_role_id = ?
	`), next, settings.GuildID, settings.MutedRoleID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) writeGuildSettings(ctx context.Context, settings GuildSettings, conflict string) error {
	words := "[]"
	if len(settings.Badwords) > 0 {
		encoded, err := sonic.MarshalString(settings.Badwords)
		if err != nil {
			return err
		}
		words = encoded
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO guild_settings (
			guild_id, muted_role_id, mod_log_channel_id, spam_enabled, raid_enabled, invite_enabled,
			badwords_enabled, dehoist_enabled, badwords, mention_limit, account_age_days,
			spam_response, invite_response, badword_response
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`+conflict),
		settings.GuildID,
		settings.MutedRoleID,
		settings.ModLogChannelID,
		boolToInt(settings.SpamEnabled),
		boolToInt(settings.RaidEnabled),
		boolToInt(settings.InviteEnabled),
		boolToInt(settings.BadwordsEnabled),
		boolToInt(settings.DehoistEnabled),
		words,
		settings.MentionLimit,
		settings.AccountAgeDays,
		settings.SpamResponse,
		settings.InviteResponse,
		settings.BadwordResponse,
	)
	return err
}

// ListPunishmentRules returns the guild's rules in configured order.
func (s *Store) ListPunishmentRules(ctx context.Context, guildID string) ([]PunishmentRule, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT guild_id, position, warnings, kind, duration_ms, soft_ban, delete_days, role_id, reason
		FROM punishment_rules
		WHERE guild_id = ?
		ORDER BY position
	`), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []PunishmentRule
	for rows.Next() {
		var rule PunishmentRule
		var soft int
		if err := rows.Scan(&rule.GuildID, &rule.Position, &rule.Warnings, &rule.Kind, &rule.DurationMs, &soft, &rule.DeleteDays, &rule.RoleID, &rule.Reason); err != nil {
			return nil, err
		}
		rule.SoftBan = soft == 1
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// AddPunishmentRule appends a rule after the guild's existing ones.
func (s *Store) AddPunishmentRule(ctx context.Context, rule PunishmentRule) (PunishmentRule, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return PunishmentRule{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count, maxPosition int
	row := tx.QueryRowxContext(ctx, tx.Rebind(`
		SELECT COUNT(*), COALESCE(MAX(position), 0) FROM punishment_rules WHERE guild_id = ?
	`), rule.GuildID)
	if err := row.Scan(&count, &maxPosition); err != nil {
		return PunishmentRule{}, err
	}
	if count >= MaxPunishmentRules {
		return PunishmentRule{}, ErrTooManyRules
	}

	rule.Position = maxPosition + 1
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO punishment_rules (guild_id, position, warnings, kind, duration_ms, soft_ban, delete_days, role_id, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rule.GuildID, rule.Position, rule.Warnings, rule.Kind, rule.DurationMs, boolToInt(rule.SoftBan), rule.DeleteDays, rule.RoleID, rule.Reason); err != nil {
		return PunishmentRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return PunishmentRule{}, err
	}
	return rule, nil
}

func (s *Store) RemovePunishmentRule(ctx context.Context, guildID string, position int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM punishment_rules WHERE guild_id = ? AND position = ?`), guildID, position)
	return err
}
