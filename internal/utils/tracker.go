package utils

import (
	"sync"
	"time"
)

// Tracker keeps per-guild, per-user timestamp queues in memory. Buckets are
// created on first use and removed by Clear or Sweep.
type Tracker struct {
	mu      sync.Mutex
	buckets map[string]map[string][]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{buckets: make(map[string]map[string][]time.Time)}
}

// Record appends ts to the member's queue. Once the queue holds limit entries
// the oldest one is removed and returned.
func (t *Tracker) Record(guildID, userID string, ts time.Time, limit int) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	guild := t.buckets[guildID]
	if guild == nil {
		guild = make(map[string][]time.Time)
		t.buckets[guildID] = guild
	}
	queue := append(guild[userID], ts)
	if len(queue) < limit {
		guild[userID] = queue
		return time.Time{}, false
	}
	oldest := queue[0]
	guild[userID] = queue[1:]
	return oldest, true
}

func (t *Tracker) Len(guildID, userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets[guildID][userID])
}

func (t *Tracker) Clear(guildID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	guild := t.buckets[guildID]
	if guild == nil {
		return
	}
	delete(guild, userID)
	if len(guild) == 0 {
		delete(t.buckets, guildID)
	}
}

// Sweep drops every queue whose newest timestamp is older than now-stale and
// returns how many were dropped.
func (t *Tracker) Sweep(now time.Time, stale time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-stale)
	dropped := 0
	for guildID, guild := range t.buckets {
		for userID, queue := range guild {
			if len(queue) == 0 || queue[len(queue)-1].Before(cutoff) {
				delete(guild, userID)
				dropped++
			}
		}
		if len(guild) == 0 {
			delete(t.buckets, guildID)
		}
	}
	return dropped
}
