package badwords

import (
	"context"
	"fmt"
	"strings"

	"modguard/internal/metrics"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/automod"
	"modguard/internal/platform"
	"modguard/internal/punishment"

	"go.uber.org/zap"
)

var folder = strings.NewReplacer(
	"à", "a", "á", "a", "â", "a", "ä", "a", "ã", "a", "å", "a",
	"è", "e", "é", "e", "ê", "e", "ë", "e",
	"ì", "i", "í", "i", "î", "i", "ï", "i",
	"ò", "o", "ó", "o", "ô", "o", "ö", "o", "õ", "o",
	"ù", "u", "ú", "u", "û", "u", "ü", "u",
	"ñ", "n", "ç", "c", "ý", "y", "ÿ", "y",
)

type Module struct {
	engine automod.Engine
	client platform.Client
	audit  *audit.Logger
	logger *zap.Logger
}

func New(engine automod.Engine, client platform.Client, auditLogger *audit.Logger, logger *zap.Logger) *Module {
	return &Module{engine: engine, client: client, audit: auditLogger, logger: logger.Named("badwords")}
}

func (m *Module) HandleMessage(ctx context.Context, msg platform.Message) bool {
	if msg.Content == "" {
		return false
	}
	settings := m.engine.Settings(ctx, msg.GuildID)
	if !settings.BadwordsEnabled || len(settings.Badwords) == 0 {
		return false
	}
	word, found := match(msg.Content, settings.Badwords)
	if !found || !automod.Qualifies(ctx, m.client, msg.Author) {
		return false
	}

	metrics.DetectionsTotal.WithLabelValues("badwords").Inc()
	m.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.Author.ID, "badwords", "type=BADWORD word="+word)

	if err := m.client.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		m.logger.Warn("delete badword message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if _, err := m.engine.Warn(ctx, punishment.Resolved{Member: msg.Author}, "", "using blacklisted words"); err != nil {
		m.logger.Warn("badword escalation failed", zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.Author.ID), zap.Error(err))
	}
	fallback := fmt.Sprintf("<@%s>, watch your language.", msg.Author.ID)
	if err := automod.Reply(ctx, m.client, msg.ChannelID, settings.BadwordResponse, fallback); err != nil {
		m.logger.Debug("badword reply failed", zap.Error(err))
	}
	return true
}

// match returns the first listed word found in the folded content.
func match(content string, words []string) (string, bool) {
	folded := normalizeText(content)
	for _, word := range words {
		needle := normalizeText(strings.TrimSpace(word))
		if needle != "" && strings.Contains(folded, needle) {
			return word, true
		}
	}
	return "", false
}

func normalizeText(input string) string {
	return folder.Replace(strings.ToLower(input))
}
