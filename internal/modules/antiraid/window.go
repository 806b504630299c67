package antiraid

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Queue is the shared FIFO list the join windows live in. *redis.Client
// satisfies it.
type Queue interface {
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, bool, error)
}

// burstWindow detects size joins within span on a per-guild shared list.
// Entries are "{epochMs}U{memberId}".
type burstWindow struct {
	queue  Queue
	prefix string
	size   int
	span   time.Duration
}

// push records a join and, on a burst, drains the list and returns every
// member in it, the oldest first.
func (w burstWindow) push(ctx context.Context, guildID, memberID string, at time.Time) ([]string, error) {
	key := w.prefix + guildID
	length, err := w.queue.RPush(ctx, key, formatEntry(at, memberID))
	if err != nil {
		return nil, fmt.Errorf("push %s: %w", key, err)
	}
	if int(length) < w.size {
		return nil, nil
	}

	raw, ok, err := w.queue.LPop(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	oldestAt, oldestID, err := parseEntry(raw)
	if err != nil {
		return nil, err
	}
	if at.Sub(oldestAt) > w.span {
		return nil, nil
	}

	members := []string{oldestID}
	seen := map[string]bool{oldestID: true}
	for {
		raw, ok, err := w.queue.LPop(ctx, key)
		if err != nil {
			return members, fmt.Errorf("drain %s: %w", key, err)
		}
		if !ok {
			return members, nil
		}
		_, id, err := parseEntry(raw)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
}

func formatEntry(at time.Time, memberID string) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + "U" + memberID
}

func parseEntry(raw string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(raw, "U")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("malformed window entry %q", raw)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed window entry %q: %w", raw, err)
	}
	return time.UnixMilli(ms), id, nil
}
