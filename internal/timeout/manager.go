// Package timeout persists temporary punishment reversals and fires them when
// due, including after a restart.
package timeout

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modguard/internal/metrics"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// retryDelay is how long a due record waits before another attempt when it
// could not be read or no reverser was wired yet.
const retryDelay = 5 * time.Second

// Store is the key-value surface pending records live in. *redis.Client
// satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Reverser undoes the punishment a pending record stands for.
type Reverser interface {
	Reverse(ctx context.Context, pending Pending) error
}

type Manager struct {
	store    Store
	clock    Clock
	logger   *zap.Logger
	workers  int
	reverser Reverser

	mu       sync.Mutex
	queue    entryHeap
	timer    Timer
	timerDue time.Time
	stopped  bool
	inflight sync.WaitGroup
}

func New(store Store, logger *zap.Logger, workers int) *Manager {
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		store:   store,
		clock:   realClock{},
		logger:  logger.Named("timeout"),
		workers: workers,
	}
}

func (m *Manager) WithClock(clock Clock) {
	m.clock = clock
}

// SetReverser wires the component that executes reversals. Records that come
// due before it is set stay in the store and are retried.
func (m *Manager) SetReverser(reverser Reverser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverser = reverser
}

// AddTimeout persists a reversal due after d and arms it. An existing record
// for the same tuple is overwritten.
func (m *Manager) AddTimeout(ctx context.Context, guildID, userID string, task TaskKind, d time.Duration) (Pending, error) {
	pending := Pending{
		ArmedAt:  m.clock.Now().UnixMilli(),
		Duration: d.Milliseconds(),
		UserID:   userID,
		GuildID:  guildID,
		Task:     task,
	}
	payload, err := encode(pending)
	if err != nil {
		return Pending{}, err
	}
	if err := m.store.Set(ctx, pending.Key(), payload); err != nil {
		return Pending{}, fmt.Errorf("persist %s timeout: %w", task, err)
	}
	metrics.TimeoutsScheduled.WithLabelValues(string(task)).Inc()
	m.arm(pending)
	return pending, nil
}

// CancelTimeout deletes the persisted record. An armed callback for it finds
// the key gone and does nothing.
func (m *Manager) CancelTimeout(ctx context.Context, guildID, userID string, task TaskKind) error {
	if err := m.store.Del(ctx, Key(task, guildID, userID)); err != nil {
		return fmt.Errorf("cancel %s timeout: %w", task, err)
	}
	return nil
}

// ReapplyTimeouts loads every persisted record. Overdue ones are reversed
// before it returns; the rest are armed. It returns the number of records
// found.
func (m *Manager) ReapplyTimeouts(ctx context.Context) (int, error) {
	records, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	var overdue []entry
	for _, record := range records {
		if record.DueAt().After(now) {
			m.arm(record)
			continue
		}
		overdue = append(overdue, entry{key: record.Key(), armedAt: record.ArmedAt, due: record.DueAt()})
	}
	m.logger.Info("timeouts reapplied", zap.Int("records", len(records)), zap.Int("overdue", len(overdue)))

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return len(records), nil
	}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	m.fireAll(ctx, overdue)
	return len(records), nil
}

// Pending lists the persisted records ordered by due time.
func (m *Manager) Pending(ctx context.Context) ([]Pending, error) {
	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DueAt().Before(records[j].DueAt())
	})
	return records, nil
}

// Stop disarms the timer and waits for callbacks already running.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.inflight.Wait()
}

func (m *Manager) load(ctx context.Context) ([]Pending, error) {
	keys, err := m.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan timeouts: %w", err)
	}
	records := make([]Pending, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		record, err := decode(raw)
		if err != nil || record.Key() != key {
			m.logger.Warn("dropping malformed timeout", zap.String("key", key), zap.Error(err))
			_ = m.store.Del(ctx, key)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (m *Manager) arm(record Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	heap.Push(&m.queue, entry{key: record.Key(), armedAt: record.ArmedAt, due: record.DueAt()})
	metrics.TimeoutsArmed.Set(float64(len(m.queue)))
	m.rescheduleLocked()
}

// retryLater re-arms e after retryDelay with its armedAt unchanged.
func (m *Manager) retryLater(e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	e.due = m.clock.Now().Add(retryDelay)
	heap.Push(&m.queue, e)
	metrics.TimeoutsArmed.Set(float64(len(m.queue)))
	m.rescheduleLocked()
}

// rescheduleLocked points the single timer at the earliest entry.
func (m *Manager) rescheduleLocked() {
	if m.stopped || len(m.queue) == 0 {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		return
	}
	earliest := m.queue[0].due
	if m.timer != nil && m.timerDue.Equal(earliest) {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := earliest.Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	m.timerDue = earliest
	m.timer = m.clock.AfterFunc(delay, m.tick)
}

func (m *Manager) tick() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.inflight.Add(1)
	defer m.inflight.Done()

	now := m.clock.Now()
	var due []entry
	for len(m.queue) > 0 && !m.queue[0].due.After(now) {
		due = append(due, heap.Pop(&m.queue).(entry))
	}
	metrics.TimeoutsArmed.Set(float64(len(m.queue)))
	m.timer = nil
	m.rescheduleLocked()
	m.mu.Unlock()

	m.fireAll(context.Background(), due)
}

func (m *Manager) fireAll(ctx context.Context, due []entry) {
	if len(due) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(m.workers)
	for _, e := range due {
		p.Go(func() {
			m.fire(ctx, e)
		})
	}
	p.Wait()
}

// fire reverses the record behind e unless it was cancelled or re-armed in
// the meantime. The key is removed afterwards whether or not the reversal
// succeeded.
func (m *Manager) fire(ctx context.Context, e entry) {
	task := taskOf(e.key)
	raw, ok, err := m.store.Get(ctx, e.key)
	if err != nil {
		m.logger.Error("read timeout", zap.String("key", e.key), zap.Error(err))
		metrics.TimeoutsFired.WithLabelValues(task, "retried").Inc()
		m.retryLater(e)
		return
	}
	if !ok {
		metrics.TimeoutsFired.WithLabelValues(task, "skipped").Inc()
		return
	}
	record, err := decode(raw)
	if err != nil {
		m.logger.Warn("dropping malformed timeout", zap.String("key", e.key), zap.Error(err))
		_, _ = m.store.DelIfEqual(ctx, e.key, raw)
		return
	}
	if record.ArmedAt != e.armedAt {
		metrics.TimeoutsFired.WithLabelValues(task, "skipped").Inc()
		return
	}

	m.mu.Lock()
	reverser := m.reverser
	m.mu.Unlock()
	if reverser == nil {
		m.logger.Warn("timeout due without reverser", zap.String("key", e.key))
		metrics.TimeoutsFired.WithLabelValues(task, "retried").Inc()
		m.retryLater(e)
		return
	}

	outcome := "reversed"
	if err := reverser.Reverse(ctx, record); err != nil {
		outcome = "failed"
		m.logger.Warn("timeout reversal failed",
			zap.String("task", string(record.Task)),
			zap.String("guild_id", record.GuildID),
			zap.String("user_id", record.UserID),
			zap.Error(err))
	}
	if _, err := m.store.DelIfEqual(ctx, e.key, raw); err != nil {
		m.logger.Error("delete fired timeout", zap.String("key", e.key), zap.Error(err))
	}
	metrics.TimeoutsFired.WithLabelValues(task, outcome).Inc()
}

func taskOf(key string) string {
	rest := strings.TrimPrefix(key, keyPrefix)
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
