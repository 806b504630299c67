package antiraid

import (
	"strconv"
	"testing"
	"time"

	"modguard/internal/config"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod/automodtest"
	"modguard/internal/platform"
	"modguard/internal/platform/platformtest"
	"modguard/internal/redis"
	"modguard/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const discordEpochMs = 1420070400000

func setupTest(t *testing.T) (*redis.Client, *automodtest.Engine, *platformtest.Fake) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{server.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	engine := &automodtest.Engine{Guild: storage.GuildSettings{RaidEnabled: true, AccountAgeDays: 7}}
	platformClient := platformtest.New(platform.Member{ID: "bot", GuildID: "g1", Roles: []platform.Role{{ID: "r-bot", Position: 5}}})
	return redis.NewFromClient(client, zap.NewNop()), engine, platformClient
}

func snowflakeAt(at time.Time) string {
	return strconv.FormatInt((at.UnixMilli()-discordEpochMs)<<22, 10)
}

func join(id string, at time.Time) platform.Member {
	return platform.Member{ID: id, GuildID: "g1", JoinedAt: at}
}

func TestRaidBurstBansEveryone(t *testing.T) {
	queue, engine, client := setupTest(t)
	module := New(config.DefaultConfig().Automod, queue, engine, client, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	ctx := t.Context()
	start := time.UnixMilli(1_700_000_000_000)

	assert.False(t, module.HandleJoin(ctx, join("u1", start)))
	assert.False(t, module.HandleJoin(ctx, join("u2", start.Add(400*time.Millisecond))))
	assert.True(t, module.HandleJoin(ctx, join("u3", start.Add(900*time.Millisecond))))

	assert.Equal(t, []string{"u1", "u2", "u3"}, engine.Banned())
	for _, action := range engine.Actions {
		assert.Equal(t, "raid detected", action.Punishment.Reason)
	}
	length, err := queue.LLen(ctx, "Raid:g1")
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestSpreadJoinsBanNobody(t *testing.T) {
	queue, engine, client := setupTest(t)
	module := New(config.DefaultConfig().Automod, queue, engine, client, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	ctx := t.Context()
	start := time.UnixMilli(1_700_000_000_000)

	assert.False(t, module.HandleJoin(ctx, join("u1", start)))
	assert.False(t, module.HandleJoin(ctx, join("u2", start.Add(1200*time.Millisecond))))
	assert.False(t, module.HandleJoin(ctx, join("u3", start.Add(2000*time.Millisecond))))
	assert.Empty(t, engine.Banned())

	length, err := queue.LLen(ctx, "Raid:g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)
}

func TestRaidSkipsBotsAndHigherMembers(t *testing.T) {
	queue, engine, client := setupTest(t)
	module := New(config.DefaultConfig().Automod, queue, engine, client, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	ctx := t.Context()
	start := time.UnixMilli(1_700_000_000_000)

	bot := join("b1", start)
	bot.Bot = true
	assert.False(t, module.HandleJoin(ctx, bot))

	staff := join("s1", start)
	staff.Roles = []platform.Role{{ID: "r-staff", Position: 9}}
	assert.False(t, module.HandleJoin(ctx, staff))

	length, err := queue.LLen(ctx, "Raid:g1")
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestAccountAgeBurst(t *testing.T) {
	queue, engine, client := setupTest(t)
	module := NewAccountAge(config.DefaultConfig().Automod, queue, engine, client, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	ctx := t.Context()
	start := time.UnixMilli(1_700_000_000_000)

	veteran := join(snowflakeAt(start.Add(-30*24*time.Hour)), start)
	assert.False(t, module.HandleJoin(ctx, veteran))

	fresh := []string{
		snowflakeAt(start.Add(-time.Hour)),
		snowflakeAt(start.Add(-2 * time.Hour)),
		snowflakeAt(start.Add(-3 * time.Hour)),
	}
	assert.False(t, module.HandleJoin(ctx, join(fresh[0], start.Add(100*time.Millisecond))))
	assert.False(t, module.HandleJoin(ctx, join(fresh[1], start.Add(200*time.Millisecond))))
	assert.True(t, module.HandleJoin(ctx, join(fresh[2], start.Add(300*time.Millisecond))))

	assert.Equal(t, fresh, engine.Banned())
	assert.Equal(t, "suspicious new account burst", engine.Actions[0].Punishment.Reason)
}

func TestParseEntry(t *testing.T) {
	at, id, err := parseEntry(formatEntry(time.UnixMilli(42), "123"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), at.UnixMilli())
	assert.Equal(t, "123", id)

	_, _, err = parseEntry("garbage")
	assert.Error(t, err)
}

