package bot

import (
	"context"
	"testing"
	"time"

	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	handled bool
	calls   int
}

func (h *recordingHandler) HandleMessage(context.Context, platform.Message) bool {
	h.calls++
	return h.handled
}

func TestRouterStopsAtFirstHandler(t *testing.T) {
	first := &recordingHandler{}
	second := &recordingHandler{handled: true}
	third := &recordingHandler{handled: true}
	router := NewRouter().OnMessage(first, second, third)

	assert.True(t, router.Message(t.Context(), platform.Message{}))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Zero(t, third.calls)
}

func TestRouterJoinOrder(t *testing.T) {
	var order []string
	handler := func(name string, handled bool) MemberHandler {
		return func(context.Context, platform.Member) bool {
			order = append(order, name)
			return handled
		}
	}
	router := NewRouter().
		OnJoin(handler("raid", false), handler("age", true), handler("dehoist", true)).
		OnMemberUpdate(handler("dehoist-update", false))

	assert.True(t, router.Join(t.Context(), platform.Member{}))
	assert.False(t, router.MemberUpdate(t.Context(), platform.Member{}))
	assert.Equal(t, []string{"raid", "age", "dehoist-update"}, order)
}

func TestConvertMessage(t *testing.T) {
	edited := time.Now()
	roles := map[string]*discordgo.Role{
		"r1": {ID: "r1", Name: "helper", Position: 3, Permissions: discordgo.PermissionManageMessages},
	}
	msg := &discordgo.Message{
		ID:              "m1",
		ChannelID:       "c1",
		GuildID:         "g1",
		Content:         "hi <@u2>",
		Author:          &discordgo.User{ID: "u1", Username: "alice"},
		Member:          &discordgo.Member{Nick: "ally", Roles: []string{"r1", "gone"}},
		Mentions:        []*discordgo.User{{ID: "u2"}},
		MentionRoles:    []string{"r9"},
		EditedTimestamp: &edited,
	}

	converted, ok := convertMessage(msg, roles)
	require.True(t, ok)
	assert.Equal(t, "u1", converted.Author.ID)
	assert.Equal(t, "ally", converted.Author.DisplayName())
	require.Len(t, converted.Author.Roles, 1)
	assert.Equal(t, 3, converted.Author.Roles[0].Position)
	assert.True(t, converted.Edited)
	assert.Equal(t, []string{"u2"}, converted.Mentions)
	assert.Equal(t, []string{"r9"}, converted.RoleMention)

	_, ok = convertMessage(&discordgo.Message{ID: "dm", Author: &discordgo.User{ID: "u1"}}, roles)
	assert.False(t, ok)
}
