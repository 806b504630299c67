package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type WarningRecord struct {
	GuildID   string
	UserID    string
	Amount    int
	Reason    string
	UpdatedAt time.Time
}

// GetWarning returns a zero-amount record when the member was never warned.
func (s *Store) GetWarning(ctx context.Context, guildID, userID string) (WarningRecord, error) {
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT amount, reason, updated_at
		FROM warnings
		WHERE guild_id = ? AND user_id = ?
	`), guildID, userID)

	record := WarningRecord{GuildID: guildID, UserID: userID}
	var updated int64
	if err := row.Scan(&record.Amount, &record.Reason, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record, nil
		}
		return WarningRecord{}, err
	}
	record.UpdatedAt = time.UnixMilli(updated)
	return record, nil
}

// IncrementWarning adds one warning, creating the record lazily. When limit is
// positive the stored amount never exceeds it.
func (s *Store) IncrementWarning(ctx context.Context, guildID, userID, reason string, limit int) (int, error) {
	return s.adjustWarning(ctx, guildID, userID, reason,
		`CASE WHEN ? > 0 AND amount + 1 > ? THEN ? ELSE amount + 1 END`, limit, limit, limit)
}

// DecrementWarning removes up to n warnings. The record is deleted once it
// reaches zero.
func (s *Store) DecrementWarning(ctx context.Context, guildID, userID string, n int) (int, error) {
	return s.adjustWarning(ctx, guildID, userID, "",
		`CASE WHEN amount - ? < 0 THEN 0 ELSE amount - ? END`, n, n)
}

// adjustWarning applies amountExpr to the stored amount in a single UPDATE so
// concurrent adjustments queue on the row lock instead of overwriting each
// other. An empty reason keeps the previous one.
func (s *Store) adjustWarning(ctx context.Context, guildID, userID, reason, amountExpr string, exprArgs ...any) (int, error) {
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO warnings (guild_id, user_id, amount, reason, updated_at)
		VALUES (?, ?, 0, '', ?)
		ON CONFLICT(guild_id, user_id) DO NOTHING
	`), guildID, userID, now); err != nil {
		return 0, err
	}

	args := append([]any{}, exprArgs...)
	args = append(args, reason, reason, now, guildID, userID)
	var amount int
	row := tx.QueryRowxContext(ctx, tx.Rebind(`
		UPDATE warnings SET
			amount = `+amountExpr+`,
			reason = CASE WHEN ? = '' THEN reason ELSE ? END,
			updated_at = ?
		WHERE guild_id = ? AND user_id = ?
		RETURNING amount
	`), args...)
	if err := row.Scan(&amount); err != nil {
		return 0, err
	}

	if amount == 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM warnings WHERE guild_id = ? AND user_id = ?`), guildID, userID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *Store) RemoveWarning(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM warnings WHERE guild_id = ? AND user_id = ?`), guildID, userID)
	return err
}
