package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"modguard/internal/config"
	"modguard/internal/platform"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Client implements platform.Client over a discordgo session. Rate limited
// and 5xx calls are retried with exponential backoff.
type Client struct {
	session *discordgo.Session
	retry   config.RetryConfig
	logger  *zap.Logger
}

func NewClient(session *discordgo.Session, retry config.RetryConfig, logger *zap.Logger) *Client {
	return &Client{session: session, retry: retry, logger: logger.Named("discord")}
}

func (c *Client) BanMember(ctx context.Context, guildID, userID, reason string, deleteDays int) error {
	return c.do(ctx, "ban", func() error {
		return c.session.GuildBanCreateWithReason(guildID, userID, reason, deleteDays)
	})
}

func (c *Client) UnbanMember(ctx context.Context, guildID, userID string) error {
	return c.do(ctx, "unban", func() error {
		return c.session.GuildBanDelete(guildID, userID)
	})
}

func (c *Client) IsBanned(ctx context.Context, guildID, userID string) (bool, error) {
	err := c.do(ctx, "fetch ban", func() error {
		_, err := c.session.GuildBan(guildID, userID)
		return err
	})
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) KickMember(ctx context.Context, guildID, userID, reason string) error {
	return c.do(ctx, "kick", func() error {
		return c.session.GuildMemberDeleteWithReason(guildID, userID, reason)
	})
}

func (c *Client) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.do(ctx, "add role", func() error {
		return c.session.GuildMemberRoleAdd(guildID, userID, roleID)
	})
}

func (c *Client) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.do(ctx, "remove role", func() error {
		return c.session.GuildMemberRoleRemove(guildID, userID, roleID)
	})
}

// CreateRole creates the role and then moves it to spec.Position, which the
// create endpoint does not accept.
func (c *Client) CreateRole(ctx context.Context, guildID string, spec platform.RoleSpec) (platform.Role, error) {
	var created *discordgo.Role
	perms := spec.Permissions
	err := c.do(ctx, "create role", func() error {
		var err error
		created, err = c.session.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: spec.Name, Permissions: &perms})
		return err
	})
	if err != nil {
		return platform.Role{}, err
	}
	if spec.Position > 0 && created.Position != spec.Position {
		created.Position = spec.Position
		if err := c.do(ctx, "reorder role", func() error {
			_, err := c.session.GuildRoleReorder(guildID, []*discordgo.Role{created})
			return err
		}); err != nil {
			c.logger.Warn("move role", zap.String("guild_id", guildID), zap.String("role_id", created.ID), zap.Error(err))
		}
	}
	return convertRole(created), nil
}

func (c *Client) DeleteRole(ctx context.Context, guildID, roleID string) error {
	return c.do(ctx, "delete role", func() error {
		return c.session.GuildRoleDelete(guildID, roleID)
	})
}

func (c *Client) Role(ctx context.Context, guildID, roleID string) (platform.Role, error) {
	roles, err := c.guildRoles(ctx, guildID)
	if err != nil {
		return platform.Role{}, err
	}
	role, ok := roles[roleID]
	if !ok {
		return platform.Role{}, platform.ErrNotFound
	}
	return convertRole(role), nil
}

func (c *Client) EditChannelPermission(ctx context.Context, channelID, roleID string, allow, deny int64) error {
	return c.do(ctx, "edit overwrite", func() error {
		return c.session.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole, allow, deny)
	})
}

func (c *Client) Channels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	var channels []*discordgo.Channel
	err := c.do(ctx, "list channels", func() error {
		var err error
		channels, err = c.session.GuildChannels(guildID)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := make([]platform.Channel, 0, len(channels))
	for _, channel := range channels {
		result = append(result, platform.Channel{
			ID:      channel.ID,
			GuildID: guildID,
			Name:    channel.Name,
			Text:    isTextChannel(channel.Type),
		})
	}
	return result, nil
}

func (c *Client) Member(ctx context.Context, guildID, userID string) (platform.Member, error) {
	var member *discordgo.Member
	err := c.do(ctx, "fetch member", func() error {
		var err error
		member, err = c.session.GuildMember(guildID, userID)
		return err
	})
	if err != nil {
		return platform.Member{}, err
	}
	roles, err := c.guildRoles(ctx, guildID)
	if err != nil {
		return platform.Member{}, err
	}
	return convertMember(guildID, member, roles), nil
}

func (c *Client) BotMember(ctx context.Context, guildID string) (platform.Member, error) {
	if c.session.State == nil || c.session.State.User == nil {
		return platform.Member{}, errors.New("session is not ready")
	}
	if member, err := c.session.State.Member(guildID, c.session.State.User.ID); err == nil {
		roles, err := c.guildRoles(ctx, guildID)
		if err != nil {
			return platform.Member{}, err
		}
		return convertMember(guildID, member, roles), nil
	}
	return c.Member(ctx, guildID, c.session.State.User.ID)
}

func (c *Client) SetNickname(ctx context.Context, guildID, userID, nick string) error {
	return c.do(ctx, "set nickname", func() error {
		return c.session.GuildMemberNickname(guildID, userID, nick)
	})
}

func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	var message *discordgo.Message
	err := c.do(ctx, "send message", func() error {
		var err error
		message, err = c.session.ChannelMessageSend(channelID, content)
		return err
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

func (c *Client) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) (string, error) {
	var message *discordgo.Message
	err := c.do(ctx, "send embed", func() error {
		var err error
		message, err = c.session.ChannelMessageSendEmbed(channelID, embed)
		return err
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

func (c *Client) EditEmbed(ctx context.Context, channelID, messageID string, embed *discordgo.MessageEmbed) error {
	return c.do(ctx, "edit embed", func() error {
		_, err := c.session.ChannelMessageEditEmbed(channelID, messageID, embed)
		return err
	})
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, "delete message", func() error {
		return c.session.ChannelMessageDelete(channelID, messageID)
	})
}

// guildRoles prefers the gateway state cache and falls back to REST.
func (c *Client) guildRoles(ctx context.Context, guildID string) (map[string]*discordgo.Role, error) {
	var roles []*discordgo.Role
	if c.session.State != nil {
		if guild, err := c.session.State.Guild(guildID); err == nil {
			roles = guild.Roles
		}
	}
	if roles == nil {
		err := c.do(ctx, "list roles", func() error {
			var err error
			roles, err = c.session.GuildRoles(guildID)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	byID := make(map[string]*discordgo.Role, len(roles))
	for _, role := range roles {
		byID[role.ID] = role
	}
	return byID, nil
}

// do runs fn until it succeeds, fails permanently or the retry budget runs
// out. Not found responses come back as platform.ErrNotFound.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Duration(c.retry.InitialMs)*time.Millisecond),
		backoff.WithMaxElapsedTime(time.Duration(c.retry.MaxElapsedSecond)*time.Second),
	), uint64(max(c.retry.MaxRetries, 0)))

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if status(err) == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("%s: %w", op, platform.ErrNotFound))
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying discord call", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}

func status(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

func retryable(err error) bool {
	code := status(err)
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTextChannel(kind discordgo.ChannelType) bool {
	switch kind {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews, discordgo.ChannelTypeGuildForum:
		return true
	}
	return false
}

var _ platform.Client = (*Client)(nil)
