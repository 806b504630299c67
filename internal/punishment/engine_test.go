package punishment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modguard/internal/config"
	"modguard/internal/modules/audit"
	"modguard/internal/platform"
	"modguard/internal/platform/platformtest"
	"modguard/internal/storage"
	"modguard/internal/timeout"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type scheduled struct {
	task     timeout.TaskKind
	userID   string
	duration time.Duration
}

type fakeScheduler struct {
	mu      sync.Mutex
	added   []scheduled
	cancels []scheduled
}

func (s *fakeScheduler) AddTimeout(_ context.Context, guildID, userID string, task timeout.TaskKind, d time.Duration) (timeout.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, scheduled{task: task, userID: userID, duration: d})
	return timeout.Pending{GuildID: guildID, UserID: userID, Task: task, Duration: d.Milliseconds()}, nil
}

func (s *fakeScheduler) CancelTimeout(_ context.Context, _, userID string, task timeout.TaskKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, scheduled{task: task, userID: userID})
	return nil
}

const moderatorPerms = discordgo.PermissionBanMembers | discordgo.PermissionKickMembers | discordgo.PermissionManageRoles

type harness struct {
	engine    *Engine
	client    *platformtest.Fake
	store     *storage.Store
	scheduler *fakeScheduler
	member    platform.Member
}

func newHarness(t *testing.T, botPerms int64) *harness {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bot := platform.Member{ID: "100", GuildID: "g1", Bot: true, Roles: []platform.Role{{ID: "900", Position: 10, Permissions: botPerms}}}
	client := platformtest.New(bot)
	member := platform.Member{ID: "200", GuildID: "g1", Username: "victim", Roles: []platform.Role{{ID: "901", Position: 2}}}
	client.AddMember(member)
	client.AddChannel(platform.Channel{ID: "c1", GuildID: "g1", Text: true})
	client.AddChannel(platform.Channel{ID: "c2", GuildID: "g1", Text: true})

	cfg := config.DefaultConfig()
	cfg.Defaults.ModLogChannel = "modlog"
	scheduler := &fakeScheduler{}
	engine := New(cfg, client, store, scheduler, audit.NewLogger(store, zap.NewNop()), zap.NewNop())
	return &harness{engine: engine, client: client, store: store, scheduler: scheduler, member: member}
}

func (h *harness) cases(t *testing.T) []storage.Case {
	t.Helper()
	cases, err := h.store.ListCases(context.Background(), "g1")
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	return cases
}

func TestTemporaryMuteCreatesRoleAndSchedulesUnmute(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	outcome, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: Mute, ModeratorID: "mod", Duration: time.Hour})
	if err != nil {
		t.Fatalf("punish: %v", err)
	}
	if outcome.Warning != "" {
		t.Fatalf("unexpected warning %q", outcome.Warning)
	}

	settings := h.engine.Settings(ctx, "g1")
	if settings.MutedRoleID == "" {
		t.Fatalf("expected muted role to be stored")
	}
	role, err := h.client.Role(ctx, "g1", settings.MutedRoleID)
	if err != nil || role.Position != 9 {
		t.Fatalf("expected role below bot, got %+v err=%v", role, err)
	}
	if !h.client.HasRole("200", settings.MutedRoleID) {
		t.Fatalf("expected member to carry the muted role")
	}
	if h.client.Overwrites["c1"]&discordgo.PermissionSendMessages == 0 || h.client.Overwrites["c2"] == 0 {
		t.Fatalf("expected deny overwrites, got %v", h.client.Overwrites)
	}
	if len(h.scheduler.added) != 1 || h.scheduler.added[0].task != timeout.TaskUnmute || h.scheduler.added[0].duration != time.Hour {
		t.Fatalf("expected one unmute scheduled, got %+v", h.scheduler.added)
	}
	if outcome.Case == nil || outcome.Case.Index != 1 || outcome.Case.NotificationMessageID == "" {
		t.Fatalf("expected notified case 1, got %+v", outcome.Case)
	}

	// A second mute reuses the stored role.
	if _, err := h.engine.Punish(ctx, Unresolved{Guild: "g1", User: "200"}, Punishment{Kind: Mute, ModeratorID: "mod"}); err != nil {
		t.Fatalf("second mute: %v", err)
	}
	if h.client.CallCount("createrole") != 1 {
		t.Fatalf("expected a single role creation")
	}
	if len(h.scheduler.cancels) != 1 || h.scheduler.cancels[0].task != timeout.TaskUnmute {
		t.Fatalf("expected permanent mute to cancel pending unmute, got %+v", h.scheduler.cancels)
	}
}

func TestMutedRoleRaceLoserDeletesDuplicate(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	h.client.AddGuildRole(platform.Role{ID: "winner", Position: 8})
	h.client.OnCreate = func(platform.Role) {
		// Another process stores its role between our create and swap.
		if _, err := h.store.SwapMutedRole(ctx, storage.GuildSettings{GuildID: "g1"}, "winner"); err != nil {
			t.Errorf("swap: %v", err)
		}
	}

	if _, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: Mute, ModeratorID: "mod"}); err != nil {
		t.Fatalf("punish: %v", err)
	}
	if h.client.CallCount("deleterole") != 1 {
		t.Fatalf("expected duplicate role to be deleted")
	}
	if !h.client.HasRole("200", "winner") {
		t.Fatalf("expected the winning role to be applied")
	}
}

func TestUnsavedMutedRoleIsDeleted(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	h.engine.logger = zap.New(core)

	h.client.DeleteRoleErr = errors.New("missing access")
	h.client.OnCreate = func(platform.Role) {
		h.store.Close()
	}

	if _, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: Mute, ModeratorID: "mod"}); err == nil {
		t.Fatalf("expected store failure")
	}
	if h.client.CallCount("deleterole") != 1 {
		t.Fatalf("expected the unsaved role to be deleted")
	}
	entries := logs.FilterMessage("delete unsaved muted role").All()
	if len(entries) != 1 || entries[0].ContextMap()["role_id"] == "" {
		t.Fatalf("expected delete failure to be logged, got %+v", logs.All())
	}
}

func TestUnmuteWithoutRoleIsIdempotent(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	outcome, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: Unmute, ModeratorID: "mod"})
	if err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if h.client.CallCount("removerole") != 0 {
		t.Fatalf("expected no role removal")
	}
	if outcome.Case == nil || len(h.cases(t)) != 1 {
		t.Fatalf("expected exactly one case")
	}
	if len(h.scheduler.cancels) != 1 {
		t.Fatalf("expected pending unmute to be cancelled")
	}
}

func TestUnbanWhenNotBannedIsIdempotent(t *testing.T) {
	h := newHarness(t, moderatorPerms)

	if _, err := h.engine.Punish(context.Background(), Unresolved{Guild: "g1", User: "300"}, Punishment{Kind: Unban, ModeratorID: "mod"}); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if h.client.CallCount("unban") != 0 {
		t.Fatalf("expected no unban call")
	}
	if len(h.cases(t)) != 1 {
		t.Fatalf("expected exactly one case")
	}
}

func TestTemporaryBanSchedulesUnban(t *testing.T) {
	h := newHarness(t, moderatorPerms)

	outcome, err := h.engine.Punish(context.Background(), Resolved{Member: h.member}, Punishment{Kind: Ban, ModeratorID: "mod", Duration: 48 * time.Hour})
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if !h.client.Banned("200") {
		t.Fatalf("expected member banned")
	}
	if len(h.scheduler.added) != 1 || h.scheduler.added[0].task != timeout.TaskUnban {
		t.Fatalf("expected unban scheduled, got %+v", h.scheduler.added)
	}
	if outcome.Case.Duration != 48*time.Hour {
		t.Fatalf("expected duration on case, got %v", outcome.Case.Duration)
	}
}

func TestSoftBanLiftsBanImmediately(t *testing.T) {
	h := newHarness(t, moderatorPerms)

	outcome, err := h.engine.Punish(context.Background(), Resolved{Member: h.member}, Punishment{Kind: Ban, ModeratorID: "mod", SoftBan: true, Duration: time.Hour})
	if err != nil {
		t.Fatalf("softban: %v", err)
	}
	if h.client.Banned("200") {
		t.Fatalf("expected ban lifted")
	}
	if len(h.scheduler.added) != 0 {
		t.Fatalf("softban must not schedule an unban")
	}
	if !outcome.Case.SoftBan {
		t.Fatalf("expected softban flag on case")
	}
}

func TestPermissionDeniedHasNoSideEffects(t *testing.T) {
	h := newHarness(t, discordgo.PermissionKickMembers)

	_, err := h.engine.Punish(context.Background(), Resolved{Member: h.member}, Punishment{Kind: Ban, ModeratorID: "mod"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if IsFatal(err) {
		t.Fatalf("denial must not be fatal")
	}
	if h.client.CallCount("ban") != 0 || len(h.cases(t)) != 0 {
		t.Fatalf("expected no mutation and no case")
	}
}

func TestHierarchyDenied(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	admin := platform.Member{ID: "201", GuildID: "g1", Roles: []platform.Role{{ID: "950", Position: 20}}}
	h.client.AddMember(admin)

	_, err := h.engine.Punish(context.Background(), Resolved{Member: admin}, Punishment{Kind: Kick, ModeratorID: "mod"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if h.client.CallCount("kick") != 0 {
		t.Fatalf("expected no kick")
	}
}

func TestPlatformFailureRecordsNothing(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	h.client.BanErr = errors.New("500 internal server error")

	_, err := h.engine.Punish(context.Background(), Resolved{Member: h.member}, Punishment{Kind: Ban, ModeratorID: "mod", Duration: time.Hour})
	var platformErr *PlatformError
	if !errors.As(err, &platformErr) {
		t.Fatalf("expected PlatformError, got %v", err)
	}
	if len(h.cases(t)) != 0 || len(h.scheduler.added) != 0 {
		t.Fatalf("expected no case and no timeout")
	}
}

func TestNotificationFailureIsAWarning(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	h.client.SendErr = errors.New("missing access")

	outcome, err := h.engine.Punish(context.Background(), Resolved{Member: h.member}, Punishment{Kind: Kick, ModeratorID: "mod"})
	if err != nil {
		t.Fatalf("kick: %v", err)
	}
	if outcome.Warning == "" {
		t.Fatalf("expected notification warning")
	}
	if h.client.CallCount("kick") != 1 || len(h.cases(t)) != 1 {
		t.Fatalf("expected kick to stand with its case")
	}
}

func TestKickUnresolvableMember(t *testing.T) {
	h := newHarness(t, moderatorPerms)

	_, err := h.engine.Punish(context.Background(), Unresolved{Guild: "g1", User: "404"}, Punishment{Kind: Kick, ModeratorID: "mod"})
	if !errors.Is(err, ErrTargetNotResolvable) {
		t.Fatalf("expected ErrTargetNotResolvable, got %v", err)
	}
}

func TestRoleEditsCreateNoCase(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()
	h.client.AddGuildRole(platform.Role{ID: "low", Position: 3})
	h.client.AddGuildRole(platform.Role{ID: "high", Position: 15})

	outcome, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: AddRole, ModeratorID: "mod", RoleID: "low"})
	if err != nil {
		t.Fatalf("add role: %v", err)
	}
	if outcome.Case != nil || len(h.cases(t)) != 0 {
		t.Fatalf("role edits must not create cases")
	}
	if !h.client.HasRole("200", "low") {
		t.Fatalf("expected role granted")
	}

	if _, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: AddRole, ModeratorID: "mod", RoleID: "high"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected denial for role above bot, got %v", err)
	}
	if _, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: RemoveRole, ModeratorID: "mod", RoleID: "gone"}); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("expected ErrMissingRole, got %v", err)
	}
}

func TestEscalationAtThirdWarning(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	if _, err := h.store.AddPunishmentRule(ctx, storage.PunishmentRule{GuildID: "g1", Warnings: 3, Kind: "mute", DurationMs: 3_600_000, DeleteDays: -1}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if _, err := h.store.AddPunishmentRule(ctx, storage.PunishmentRule{GuildID: "g1", Warnings: 3, Kind: "ban", DeleteDays: -1}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.store.IncrementWarning(ctx, "g1", "200", "", 0); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	escalation, err := h.engine.AddWarning(ctx, Resolved{Member: h.member}, "mod", "spam")
	if err != nil {
		t.Fatalf("add warning: %v", err)
	}
	if escalation.Warnings != 3 {
		t.Fatalf("expected 3 warnings, got %d", escalation.Warnings)
	}
	if len(escalation.Punishments) != 2 {
		t.Fatalf("expected AddWarning plus one rule, got %+v", escalation.Punishments)
	}
	if escalation.Punishments[0].Kind != AddWarning {
		t.Fatalf("expected AddWarning first, got %s", escalation.Punishments[0].Kind)
	}
	mute := escalation.Punishments[1]
	if mute.Kind != Mute || mute.Duration != time.Hour {
		t.Fatalf("expected one hour mute, got %+v", mute)
	}
}

func TestWarnExecutesEscalationInOrder(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	if _, err := h.store.AddPunishmentRule(ctx, storage.PunishmentRule{GuildID: "g1", Warnings: 1, Kind: "kick", DeleteDays: -1}); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	outcomes, err := h.engine.Warn(ctx, Resolved{Member: h.member}, "mod", "rude")
	if err != nil {
		t.Fatalf("warn: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected two outcomes, got %d", len(outcomes))
	}
	cases := h.cases(t)
	if len(cases) != 2 || cases[0].Kind != "addwarning" || cases[1].Kind != "kick" {
		t.Fatalf("unexpected cases %+v", cases)
	}
}

func TestWarningCap(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	h.engine.cfg.MaxWarnings = 2
	ctx := context.Background()

	var escalation Escalation
	for i := 0; i < 4; i++ {
		var err error
		escalation, err = h.engine.AddWarning(ctx, Unresolved{Guild: "g1", User: "200"}, "mod", "")
		if err != nil {
			t.Fatalf("add warning: %v", err)
		}
	}
	if escalation.Warnings != 2 {
		t.Fatalf("expected cap at 2, got %d", escalation.Warnings)
	}
}

func TestPardon(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = h.engine.AddWarning(ctx, Unresolved{Guild: "g1", User: "200"}, "mod", "")
	}

	remaining, err := h.engine.Pardon(ctx, "g1", "200", 5)
	if err != nil || remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d err=%v", remaining, err)
	}
	if _, err := h.engine.Pardon(ctx, "g1", "200", 0); err == nil {
		t.Fatalf("expected error for non-positive pardon")
	}
	if len(h.cases(t)) != 0 {
		t.Fatalf("pardon must not create cases")
	}
}

func TestReverseLiftsMuteWithoutCancelling(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	if _, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: Mute, ModeratorID: "mod", Duration: time.Minute}); err != nil {
		t.Fatalf("mute: %v", err)
	}
	roleID := h.engine.Settings(ctx, "g1").MutedRoleID

	if err := h.engine.Reverse(ctx, timeout.Pending{GuildID: "g1", UserID: "200", Task: timeout.TaskUnmute}); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if h.client.HasRole("200", roleID) {
		t.Fatalf("expected muted role removed")
	}
	if len(h.scheduler.cancels) != 0 {
		t.Fatalf("reversal must leave the pending key to the timeout manager")
	}
	cases := h.cases(t)
	if len(cases) != 2 || cases[1].Kind != "unmute" || cases[1].ModeratorID != "100" {
		t.Fatalf("expected unmute case by the bot, got %+v", cases)
	}
}

func TestUpdateReasonEditsNotification(t *testing.T) {
	h := newHarness(t, moderatorPerms)
	ctx := context.Background()

	outcome, err := h.engine.Punish(ctx, Resolved{Member: h.member}, Punishment{Kind: Kick, ModeratorID: "mod", Reason: "old"})
	if err != nil {
		t.Fatalf("kick: %v", err)
	}

	updated, err := h.engine.UpdateReason(ctx, "g1", outcome.Case.Index, "new reason")
	if err != nil {
		t.Fatalf("update reason: %v", err)
	}
	if updated.Warning != "" || updated.Case.Reason != "new reason" {
		t.Fatalf("unexpected outcome %+v", updated)
	}
	embed := h.client.Embeds[outcome.Case.NotificationMessageID]
	found := false
	for _, field := range embed.Fields {
		if field.Name == "Reason" && field.Value == "new reason" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected edited embed to carry the new reason")
	}
}

func TestParseKind(t *testing.T) {
	for kind := Ban; kind <= RemoveWarning; kind++ {
		parsed, err := ParseKind(kind.String())
		if err != nil || parsed != kind {
			t.Fatalf("round trip %s: %v %v", kind, parsed, err)
		}
	}
	if _, err := ParseKind("explode"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
