package storage

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

// newPostgresStore connects to MODGUARD_TEST_POSTGRES_DSN and skips the test
// when it is unset. Guild ids are suffixed per run because tables persist.
func newPostgresStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("MODGUARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MODGUARD_TEST_POSTGRES_DSN not set")
	}
	store, err := New(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, strconv.FormatInt(time.Now().UnixNano(), 10)
}

func incrementConcurrently(t *testing.T, store *Store, guildID string, workers int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementWarning(context.Background(), guildID, "u1", "spam", 0); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment: %v", err)
	}
	record, err := store.GetWarning(context.Background(), guildID, "u1")
	if err != nil {
		t.Fatalf("get warning: %v", err)
	}
	if record.Amount != workers {
		t.Fatalf("expected %d warnings, got %d", workers, record.Amount)
	}
}

func TestConcurrentWarningsAreNotLost(t *testing.T) {
	incrementConcurrently(t, newTestStore(t), "g1", 20)
}

func TestPostgresConcurrentWarnings(t *testing.T) {
	store, run := newPostgresStore(t)
	incrementConcurrently(t, store, "pg-warn-"+run, 20)

	amount, err := store.DecrementWarning(context.Background(), "pg-warn-"+run, "u1", 50)
	if err != nil || amount != 0 {
		t.Fatalf("expected pardon to floor at 0, got %d err=%v", amount, err)
	}
}

func TestPostgresCaseIndices(t *testing.T) {
	store, run := newPostgresStore(t)
	ctx := context.Background()
	guildID := "pg-case-" + run

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateCase(ctx, Case{GuildID: guildID, ModeratorID: "m", VictimID: "v", Kind: "kick"}); err != nil {
				t.Errorf("create case: %v", err)
			}
		}()
	}
	wg.Wait()

	cases, err := store.ListCases(ctx, guildID)
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	if len(cases) != 5 {
		t.Fatalf("expected 5 cases, got %d", len(cases))
	}
	for i, c := range cases {
		if c.Index != i+1 {
			t.Fatalf("gap at %d: %d", i, c.Index)
		}
	}

	settings := GuildSettings{GuildID: guildID, Badwords: []string{"frak"}}
	if won, err := store.SwapMutedRole(ctx, settings, "r1"); err != nil || !won {
		t.Fatalf("expected swap to win, won=%v err=%v", won, err)
	}
}

func TestWarningReasonKeptWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.IncrementWarning(ctx, "g1", "u1", "spam", 0); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := store.IncrementWarning(ctx, "g1", "u1", "", 0); err != nil {
		t.Fatalf("increment: %v", err)
	}
	record, _ := store.GetWarning(ctx, "g1", "u1")
	if record.Amount != 2 || record.Reason != "spam" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestUpsertGuildSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	settings := GuildSettings{
		GuildID:         "g1",
		ModLogChannelID: "c1",
		SpamEnabled:     true,
		RaidEnabled:     true,
		BadwordsEnabled: true,
		Badwords:        []string{"foo", "bar"},
		MentionLimit:    5,
		AccountAgeDays:  7,
		SpamResponse:    "stop it",
	}
	if err := store.UpsertGuildSettings(ctx, settings); err != nil {
		t.Fatalf("upsert guild settings: %v", err)
	}

	settings.ModLogChannelID = "c2"
	if err := store.UpsertGuildSettings(ctx, settings); err != nil {
		t.Fatalf("update guild settings: %v", err)
	}

	got, err := store.GetGuildSettings(ctx, "g1", GuildSettings{})
	if err != nil {
		t.Fatalf("get guild settings: %v", err)
	}
	if got.ModLogChannelID != "c2" {
		t.Fatalf("expected channel c2, got %q", got.ModLogChannelID)
	}
	if len(got.Badwords) != 2 || got.Badwords[1] != "bar" {
		t.Fatalf("unexpected badwords %v", got.Badwords)
	}
	if !got.BadwordsEnabled || got.InviteEnabled || got.MentionLimit != 5 {
		t.Fatalf("unexpected toggles %+v", got)
	}
}

func TestGetGuildSettingsDefaults(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetGuildSettings(context.Background(), "g9", GuildSettings{ModLogChannelID: "fallback", AccountAgeDays: 7})
	if err != nil {
		t.Fatalf("get guild settings: %v", err)
	}
	if got.GuildID != "g9" || got.ModLogChannelID != "fallback" || got.AccountAgeDays != 7 {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestSwapMutedRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	settings := GuildSettings{GuildID: "g1", AccountAgeDays: 7}

	won, err := store.SwapMutedRole(ctx, settings, "r1")
	if err != nil || !won {
		t.Fatalf("expected first swap to win, won=%v err=%v", won, err)
	}
	won, err = store.SwapMutedRole(ctx, settings, "r2")
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if won {
		t.Fatalf("expected stale swap to lose")
	}

	got, _ := store.GetGuildSettings(ctx, "g1", GuildSettings{})
	if got.MutedRoleID != "r1" {
		t.Fatalf("expected r1, got %q", got.MutedRoleID)
	}
	if got.AccountAgeDays != 7 {
		t.Fatalf("expected seeded defaults to persist, got %d", got.AccountAgeDays)
	}
}

func TestPunishmentRulesLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < MaxPunishmentRules; i++ {
		if _, err := store.AddPunishmentRule(ctx, PunishmentRule{GuildID: "g1", Warnings: i + 1, Kind: "kick"}); err != nil {
			t.Fatalf("add rule %d: %v", i, err)
		}
	}
	if _, err := store.AddPunishmentRule(ctx, PunishmentRule{GuildID: "g1", Warnings: 99, Kind: "ban"}); !errors.Is(err, ErrTooManyRules) {
		t.Fatalf("expected ErrTooManyRules, got %v", err)
	}

	rules, err := store.ListPunishmentRules(ctx, "g1")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != MaxPunishmentRules {
		t.Fatalf("expected %d rules, got %d", MaxPunishmentRules, len(rules))
	}
	for i, rule := range rules {
		if rule.Position != i+1 || rule.Warnings != i+1 {
			t.Fatalf("rules out of order at %d: %+v", i, rule)
		}
	}
}

func TestWarningLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		amount, err := store.IncrementWarning(ctx, "g1", "u1", "spam", 0)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if amount != i {
			t.Fatalf("expected %d, got %d", i, amount)
		}
	}

	amount, err := store.DecrementWarning(ctx, "g1", "u1", 2)
	if err != nil || amount != 1 {
		t.Fatalf("expected 1 after pardon, got %d err=%v", amount, err)
	}
	amount, err = store.DecrementWarning(ctx, "g1", "u1", 10)
	if err != nil || amount != 0 {
		t.Fatalf("expected 0, got %d err=%v", amount, err)
	}

	record, err := store.GetWarning(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get warning: %v", err)
	}
	if record.Amount != 0 {
		t.Fatalf("expected record gone, got %+v", record)
	}
}

func TestWarningLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var amount int
	for i := 0; i < 5; i++ {
		amount, _ = store.IncrementWarning(ctx, "g1", "u1", "", 3)
	}
	if amount != 3 {
		t.Fatalf("expected cap 3, got %d", amount)
	}
}

func TestCaseIndicesIncrease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		c, err := store.CreateCase(ctx, Case{GuildID: "g1", ModeratorID: "m", VictimID: "v", Kind: "kick"})
		if err != nil {
			t.Fatalf("create case: %v", err)
		}
		if c.Index != i {
			t.Fatalf("expected index %d, got %d", i, c.Index)
		}
	}

	other, err := store.CreateCase(ctx, Case{GuildID: "g2", ModeratorID: "m", VictimID: "v", Kind: "ban"})
	if err != nil || other.Index != 1 {
		t.Fatalf("expected first index in other guild, got %d err=%v", other.Index, err)
	}

	cases, err := store.ListCases(ctx, "g1")
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	for i, c := range cases {
		if c.Index != i+1 {
			t.Fatalf("gap at %d: %d", i, c.Index)
		}
	}
}

func TestUpdateCase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateCase(ctx, Case{GuildID: "g1", ModeratorID: "m", VictimID: "v", Kind: "mute", Duration: time.Hour, Reason: "old"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	reason := "new"
	messageID := "msg1"
	if _, err := store.UpdateCase(ctx, "g1", created.Index, CasePatch{Reason: &reason}); err != nil {
		t.Fatalf("update reason: %v", err)
	}
	updated, err := store.UpdateCase(ctx, "g1", created.Index, CasePatch{NotificationMessageID: &messageID})
	if err != nil {
		t.Fatalf("update message: %v", err)
	}
	if updated.Reason != "new" || updated.NotificationMessageID != "msg1" || updated.Duration != time.Hour {
		t.Fatalf("unexpected case %+v", updated)
	}

	if _, err := store.GetCase(ctx, "g1", 42); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestAuditLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := store.AddAuditLog(ctx, AuditLog{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "anti_spam", Details: "burst", CreatedAt: now}); err != nil {
		t.Fatalf("add audit log: %v", err)
	}
	logs, err := store.ListAuditLogs(ctx, "g1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "anti_spam" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}
