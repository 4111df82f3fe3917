// Copyright 2024-2026 Aiku AI

package relay

import (
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Well-known bridge bot localparts. Messages from these accounts are bridge
// status/management traffic, never real users.
var bridgeBotLocalparts = map[string]bool{
	"whatsappbot": true,
	"discordbot":  true,
	"telegrambot": true,
	"signalbot":   true,
}

// Localpart prefixes of puppet users created by mautrix bridges, in the order
// they are checked for platform inference.
var bridgePuppetPrefixes = []struct {
	Prefix string
	Label  string
}{
	{"_discord_", "Discord"},
	{"_telegram_", "Telegram"},
	{"_signal_", "Signal"},
	{"_whatsapp_", "WhatsApp"},
}

// NativePlatformLabel is the label used for senders that are not bridge
// puppets, i.e. native Matrix users.
const NativePlatformLabel = "Matrix"

// attributionRE matches message bodies that already carry relay attribution:
// the bold "**Name (Platform):**" prefix this relay's predecessor produced,
// or the plain "Name: " prefix used by Discord relay-mode webhooks.
var attributionRE = regexp.MustCompile(`^\*\*.+\(.*\):\*\*|^[A-Z][A-Za-z0-9_ ]+: `)

// Classifier labels room participants for loop prevention. It is a pure value
// with no I/O; all methods are safe for concurrent use.
type Classifier struct {
	// BotMXID is the relay's own appservice bot user ID.
	BotMXID id.UserID
	// PuppetPrefix is the localpart prefix of puppets created by this relay.
	PuppetPrefix string
}

// localpart extracts the localpart of a Matrix user ID ("@foo:bar" -> "foo").
func localpart(userID id.UserID) string {
	lp, _, _ := strings.Cut(string(userID), ":")
	return strings.TrimPrefix(lp, "@")
}

// IsOwnMessage reports whether sender is the relay bot itself.
func (c Classifier) IsOwnMessage(sender id.UserID) bool {
	return sender == c.BotMXID
}

// IsRelayPuppet reports whether sender is a puppet created by this relay.
func (c Classifier) IsRelayPuppet(sender id.UserID) bool {
	return c.PuppetPrefix != "" && strings.HasPrefix(localpart(sender), c.PuppetPrefix)
}

// IsBridgeBot reports whether sender is a well-known bridge bot account.
func (c Classifier) IsBridgeBot(sender id.UserID) bool {
	return bridgeBotLocalparts[localpart(sender)]
}

// IsBridgePuppet reports whether sender is a bridge puppet or a bridge bot.
// Bridge puppets follow the pattern @_<bridgename>_<id>:domain.
func (c Classifier) IsBridgePuppet(sender id.UserID) bool {
	lp := localpart(sender)
	if bridgeBotLocalparts[lp] {
		return true
	}
	for _, p := range bridgePuppetPrefixes {
		if strings.HasPrefix(lp, p.Prefix) {
			return true
		}
	}
	return false
}

// HasAttribution reports whether body already carries relay attribution and
// must not be relayed again.
func (c Classifier) HasAttribution(body string) bool {
	return attributionRE.MatchString(body)
}

// PlatformLabel infers the originating platform from a Matrix user ID. Bridge
// puppet MXIDs carry a platform prefix (e.g. @_discord_123:domain); everyone
// else is a native Matrix user.
func (c Classifier) PlatformLabel(sender id.UserID) string {
	lp := localpart(sender)
	for _, p := range bridgePuppetPrefixes {
		if strings.HasPrefix(lp, p.Prefix) {
			return p.Label
		}
	}
	return NativePlatformLabel
}

// ShouldIgnoreInPortal reports whether an event in a portal room must not be
// relayed. Portal rooms use the lighter filter: bridge puppets ARE the real
// external users in megabridge portals and must be relayed, so only bridge
// bots are dropped on top of the common layers.
func (c Classifier) ShouldIgnoreInPortal(sender id.UserID, body string) bool {
	return c.IsOwnMessage(sender) ||
		c.IsRelayPuppet(sender) ||
		c.IsBridgeBot(sender) ||
		c.HasAttribution(body)
}

// ShouldIgnoreInHub reports whether an event in the hub room must not be
// relayed. The hub uses the heavier filter: bridge-sourced traffic is already
// present there natively via the bridges, so both bridge bots and bridge
// puppets are dropped. Collapsing this predicate with ShouldIgnoreInPortal
// either reintroduces relay loops or drops legitimate portal users.
func (c Classifier) ShouldIgnoreInHub(sender id.UserID, body string) bool {
	return c.IsOwnMessage(sender) ||
		c.IsRelayPuppet(sender) ||
		c.IsBridgePuppet(sender) ||
		c.HasAttribution(body)
}
