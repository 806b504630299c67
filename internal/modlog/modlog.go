// Package modlog renders cases as mod-log embeds and posts them.
package modlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modguard/internal/config"
	"modguard/internal/storage"

	"github.com/bwmarrin/discordgo"
)

var ErrNoChannel = errors.New("modlog: no mod-log channel configured")

// Sender posts and edits embeds. platform.Client satisfies it.
type Sender interface {
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) (string, error)
	EditEmbed(ctx context.Context, channelID, messageID string, embed *discordgo.MessageEmbed) error
}

type Notifier struct {
	sender Sender
	colors config.EmbedColors
}

func New(sender Sender, colors config.EmbedColors) *Notifier {
	return &Notifier{sender: sender, colors: colors}
}

// Post sends the case to channelID and returns the message id.
func (n *Notifier) Post(ctx context.Context, channelID string, c storage.Case) (string, error) {
	if channelID == "" {
		return "", ErrNoChannel
	}
	id, err := n.sender.SendEmbed(ctx, channelID, n.Build(c))
	if err != nil {
		return "", fmt.Errorf("post case %d: %w", c.Index, err)
	}
	return id, nil
}

// Edit re-renders the case into its existing notification message.
func (n *Notifier) Edit(ctx context.Context, channelID string, c storage.Case) error {
	if channelID == "" {
		return ErrNoChannel
	}
	if c.NotificationMessageID == "" {
		return fmt.Errorf("case %d has no notification message", c.Index)
	}
	if err := n.sender.EditEmbed(ctx, channelID, c.NotificationMessageID, n.Build(c)); err != nil {
		return fmt.Errorf("edit case %d: %w", c.Index, err)
	}
	return nil
}

func (n *Notifier) Build(c storage.Case) *discordgo.MessageEmbed {
	reason := strings.TrimSpace(c.Reason)
	if reason == "" {
		reason = "No reason provided"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: fmt.Sprintf("<@%s> (%s)", c.VictimID, c.VictimID), Inline: true},
		{Name: "Moderator", Value: "<@" + c.ModeratorID + ">", Inline: true},
	}
	if c.Duration > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Duration", Value: FormatDuration(c.Duration), Inline: true})
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: reason, Inline: false})

	description := ""
	if c.SoftBan {
		description = "Soft ban: messages purged, member may rejoin."
	}

	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Case %d | %s", c.Index, title(c)),
		Description: description,
		Color:       n.color(c.Kind),
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "modguard"},
		Timestamp:   created.Format(time.RFC3339),
	}
}

func (n *Notifier) color(kind string) int {
	switch kind {
	case "ban", "kick":
		return n.colors.Punitive
	case "mute", "addwarning":
		return n.colors.Warning
	default:
		return n.colors.Corrective
	}
}

func title(c storage.Case) string {
	switch c.Kind {
	case "ban":
		if c.SoftBan {
			return "Softban"
		}
		if c.Duration > 0 {
			return "Temporary ban"
		}
		return "Ban"
	case "kick":
		return "Kick"
	case "mute":
		if c.Duration > 0 {
			return "Temporary mute"
		}
		return "Mute"
	case "unmute":
		return "Unmute"
	case "unban":
		return "Unban"
	case "addwarning":
		return "Warning added"
	case "removewarning":
		return "Warning removed"
	default:
		return c.Kind
	}
}

// FormatDuration renders d as days, hours, minutes and seconds, omitting
// zero units.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	units := []struct {
		size  time.Duration
		label string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}
	var parts []string
	for _, unit := range units {
		if d >= unit.size {
			parts = append(parts, fmt.Sprintf("%d%s", d/unit.size, unit.label))
			d %= unit.size
		}
	}
	return strings.Join(parts, " ")
}
