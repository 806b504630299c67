package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"modguard/internal/config"
	"modguard/internal/modules/audit"
	"modguard/internal/platform"
	"modguard/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Reapplier re-arms persisted timeouts. *timeout.Manager satisfies it.
type Reapplier interface {
	ReapplyTimeouts(ctx context.Context) (int, error)
}

type settingsSource interface {
	Settings(ctx context.Context, guildID string) storage.GuildSettings
}

// Bot owns the gateway session and routes its events to the detectors.
type Bot struct {
	cfg      config.Config
	logger   *zap.Logger
	session  *discordgo.Session
	client   *Client
	router   *Router
	timeouts Reapplier
	settings settingsSource
	audit    *audit.Logger

	ctx       context.Context
	readyOnce sync.Once
}

// NewSession opens nothing yet; it only prepares the session and intents.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsMessageContent
	return session, nil
}

func New(cfg config.Config, logger *zap.Logger, session *discordgo.Session, client *Client, router *Router, timeouts Reapplier, settings settingsSource, auditLogger *audit.Logger) *Bot {
	b := &Bot{
		cfg:      cfg,
		logger:   logger.Named("bot"),
		session:  session,
		client:   client,
		router:   router,
		timeouts: timeouts,
		settings: settings,
		audit:    auditLogger,
		ctx:      context.Background(),
	}
	if b.audit != nil {
		b.audit.SetNotifier(b.notifyAudit)
	}
	return b
}

// Run opens the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageUpdate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberUpdate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	b.logger.Info("bot started")

	<-ctx.Done()
	if err := b.session.Close(); err != nil {
		b.logger.Warn("close gateway", zap.Error(err))
	}
	return nil
}

// onReady re-arms persisted timeouts once per process. Reconnects fire Ready
// again but the timers are still held in memory.
func (b *Bot) onReady(_ *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("gateway ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
	b.readyOnce.Do(func() {
		go func() {
			count, err := b.timeouts.ReapplyTimeouts(b.ctx)
			if err != nil {
				b.logger.Error("reapply timeouts", zap.Error(err))
				return
			}
			b.logger.Info("timeouts reapplied", zap.Int("count", count))
		}()
	})
}

func (b *Bot) onMessageCreate(session *discordgo.Session, event *discordgo.MessageCreate) {
	b.dispatchMessage(session, event.Message)
}

func (b *Bot) onMessageUpdate(session *discordgo.Session, event *discordgo.MessageUpdate) {
	b.dispatchMessage(session, event.Message)
}

func (b *Bot) dispatchMessage(session *discordgo.Session, msg *discordgo.Message) {
	if msg == nil || msg.Author == nil || msg.GuildID == "" {
		return
	}
	if session.State != nil && session.State.User != nil && msg.Author.ID == session.State.User.ID {
		return
	}
	roles, err := b.client.guildRoles(b.ctx, msg.GuildID)
	if err != nil {
		b.logger.Warn("load guild roles", zap.String("guild_id", msg.GuildID), zap.Error(err))
		return
	}
	converted, ok := convertMessage(msg, roles)
	if !ok {
		return
	}
	b.router.Message(b.ctx, converted)
}

func (b *Bot) onGuildMemberAdd(_ *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if member, ok := b.member(event.GuildID, event.Member); ok {
		b.router.Join(b.ctx, member)
	}
}

func (b *Bot) onGuildMemberUpdate(_ *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if member, ok := b.member(event.GuildID, event.Member); ok {
		b.router.MemberUpdate(b.ctx, member)
	}
}

func (b *Bot) member(guildID string, member *discordgo.Member) (platform.Member, bool) {
	if member == nil || member.User == nil {
		return platform.Member{}, false
	}
	roles, err := b.client.guildRoles(b.ctx, guildID)
	if err != nil {
		b.logger.Warn("load guild roles", zap.String("guild_id", guildID), zap.Error(err))
		return platform.Member{}, false
	}
	return convertMember(guildID, member, roles), true
}

// notifyAudit mirrors critical audit entries into the guild's mod-log
// channel.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	if entry.Level != audit.LevelCrit || entry.GuildID == "" {
		return
	}
	channelID := b.settings.Settings(ctx, entry.GuildID).ModLogChannelID
	if channelID == "" {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Automod alert: " + entry.Event,
		Description: entry.Details,
		Color:       b.cfg.Notifications.EmbedColors.Punitive,
		Timestamp:   entry.CreatedAt.Format(time.RFC3339),
	}
	if entry.UserID != "" {
		embed.Fields = []*discordgo.MessageEmbedField{{Name: "Member", Value: "<@" + entry.UserID + ">", Inline: true}}
	}
	if _, err := b.client.SendEmbed(ctx, channelID, embed); err != nil {
		b.logger.Warn("audit notification failed", zap.String("guild_id", entry.GuildID), zap.Error(err))
	}
}
