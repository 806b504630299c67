package utils

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// linkRegex matches links with or without a scheme, including unicode hosts
// and ideographic dots that idna maps back to ASCII.
var linkRegex = regexp.MustCompile(`(?i)(?:https?://)?(?:[\p{L}\p{N}-]+[.。．｡])+[\p{L}\p{N}]{2,}(?:/[^\s]*)?`)

var inviteCodeRegex = regexp.MustCompile(`^[A-Za-z0-9-]+`)

// inviteHosts maps invite hosts to whether the code sits directly under the
// root path. The others use /invite/{code}.
var inviteHosts = map[string]bool{
	"discord.gg":     true,
	"discord.io":     true,
	"discord.me":     true,
	"discord.li":     true,
	"dsc.gg":         true,
	"invite.gg":      true,
	"discord.com":    false,
	"discordapp.com": false,
}

func ExtractURLs(content string) []string {
	return linkRegex.FindAllString(content, -1)
}

// NormalizeURL adds a missing scheme, lowercases the host and converts it to
// its ASCII form. It returns the cleaned URL and the host.
func NormalizeURL(raw string) (string, string, error) {
	if !strings.HasPrefix(strings.ToLower(raw), "http://") && !strings.HasPrefix(strings.ToLower(raw), "https://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	if asciiHost, err := idna.Lookup.ToASCII(host); err == nil {
		host = asciiHost
	}
	host = strings.TrimPrefix(host, "www.")

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = host
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String(), host, nil
}

// InviteCode reports the guild invite code carried by raw, if any.
func InviteCode(raw string) (string, bool) {
	normalized, host, err := NormalizeURL(raw)
	if err != nil {
		return "", false
	}
	bare, known := inviteHosts[host]
	if !known {
		return "", false
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if !bare {
		if len(segments) < 2 || segments[0] != "invite" {
			return "", false
		}
		segments = segments[1:]
	}
	code := inviteCodeRegex.FindString(segments[0])
	if code == "" {
		return "", false
	}
	return code, true
}

// FindInvites returns the invite codes in content in order of appearance.
func FindInvites(content string) []string {
	var codes []string
	for _, link := range ExtractURLs(content) {
		if code, ok := InviteCode(link); ok {
			codes = append(codes, code)
		}
	}
	return codes
}
