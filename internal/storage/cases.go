package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrCaseNotFound = errors.New("storage: case not found")

// Case is the audit record of one executed punishment. Index is scoped to the
// guild and never reused.
type Case struct {
	GuildID               string
	Index                 int
	ModeratorID           string
	VictimID              string
	Kind                  string
	Reason                string
	Duration              time.Duration
	SoftBan               bool
	NotificationMessageID string
	CreatedAt             time.Time
}

// CasePatch carries the mutable fields of a Case; nil fields are left alone.
type CasePatch struct {
	Reason                *string
	NotificationMessageID *string
}

const createCaseAttempts = 5

// CreateCase stores c under the next index of its guild and returns it with
// Index and CreatedAt filled in.
func (s *Store) CreateCase(ctx context.Context, c Case) (Case, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var lastErr error
	for attempt := 0; attempt < createCaseAttempts; attempt++ {
		created, err := s.insertCase(ctx, c)
		if err == nil {
			return created, nil
		}
		if !isUniqueViolation(err) {
			return Case{}, err
		}
		lastErr = err
	}
	return Case{}, fmt.Errorf("create case after %d attempts: %w", createCaseAttempts, lastErr)
}

func (s *Store) insertCase(ctx context.Context, c Case) (Case, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Case{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var last int
	row := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT COALESCE(MAX(case_index), 0) FROM cases WHERE guild_id = ?`), c.GuildID)
	if err := row.Scan(&last); err != nil {
		return Case{}, err
	}
	c.Index = last + 1

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO cases (guild_id, case_index, moderator_id, victim_id, kind, reason, duration_ms, soft_ban, notification_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.GuildID, c.Index, c.ModeratorID, c.VictimID, c.Kind, c.Reason, c.Duration.Milliseconds(), boolToInt(c.SoftBan), c.NotificationMessageID, c.CreatedAt.UnixMilli()); err != nil {
		return Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (s *Store) GetCase(ctx context.Context, guildID string, index int) (Case, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT guild_id, case_index, moderator_id, victim_id, kind, reason, duration_ms, soft_ban, notification_message_id, created_at
		FROM cases WHERE guild_id = ? AND case_index = ?
	`), guildID, index)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrCaseNotFound
	}
	return c, err
}

// ListCases returns the guild's cases in index order.
func (s *Store) ListCases(ctx context.Context, guildID string) ([]Case, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT guild_id, case_index, moderator_id, victim_id, kind, reason, duration_ms, soft_ban, notification_message_id, created_at
		FROM cases WHERE guild_id = ?
		ORDER BY case_index
	`), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func (s *Store) UpdateCase(ctx context.Context, guildID string, index int, patch CasePatch) (Case, error) {
	current, err := s.GetCase(ctx, guildID, index)
	if err != nil {
		return Case{}, err
	}
	if patch.Reason != nil {
		current.Reason = *patch.Reason
	}
	if patch.NotificationMessageID != nil {
		current.NotificationMessageID = *patch.NotificationMessageID
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET reason = ?, notification_message_id = ?
		WHERE guild_id = ? AND case_index = ?
	`), current.Reason, current.NotificationMessageID, guildID, index); err != nil {
		return Case{}, err
	}
	return current, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (Case, error) {
	var c Case
	var durationMs, created int64
	var soft int
	if err := row.Scan(&c.GuildID, &c.Index, &c.ModeratorID, &c.VictimID, &c.Kind, &c.Reason, &durationMs, &soft, &c.NotificationMessageID, &created); err != nil {
		return Case{}, err
	}
	c.Duration = time.Duration(durationMs) * time.Millisecond
	c.SoftBan = soft == 1
	c.CreatedAt = time.UnixMilli(created)
	return c, nil
}
