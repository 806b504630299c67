package timeout

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

type TaskKind string

const (
	TaskUnmute TaskKind = "unmute"
	TaskUnban  TaskKind = "unban"
)

const keyPrefix = "Timeout:"

// Pending is the persisted record of a scheduled reversal. Times are epoch
// milliseconds.
type Pending struct {
	ArmedAt  int64    `json:"armedAt"`
	Duration int64    `json:"duration"`
	UserID   string   `json:"userId"`
	GuildID  string   `json:"guildId"`
	Task     TaskKind `json:"task"`
}

func (p Pending) DueAt() time.Time {
	return time.UnixMilli(p.ArmedAt + p.Duration)
}

func (p Pending) Key() string {
	return Key(p.Task, p.GuildID, p.UserID)
}

// Key is the store key of the (task, guild, user) tuple.
func Key(task TaskKind, guildID, userID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, task, guildID, userID)
}

func encode(p Pending) (string, error) {
	return sonic.MarshalString(p)
}

func decode(raw string) (Pending, error) {
	var p Pending
	if err := sonic.UnmarshalString(raw, &p); err != nil {
		return Pending{}, fmt.Errorf("decode pending timeout: %w", err)
	}
	if p.GuildID == "" || p.UserID == "" || (p.Task != TaskUnmute && p.Task != TaskUnban) {
		return Pending{}, fmt.Errorf("decode pending timeout: incomplete record %q", raw)
	}
	return p, nil
}

func (t TaskKind) String() string { return string(t) }
