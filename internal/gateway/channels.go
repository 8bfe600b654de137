package gateway

import "strings"

// ChannelAuthenticated is the internal channel every verified connection
// joins on bind. It is not subscribable by request.
const ChannelAuthenticated = "authenticated"

// publicChannels is the subscription allow-list for broadcast feeds.
var publicChannels = map[string]bool{
	"market-data":       true,
	"trading-signals":   true,
	"news":              true,
	"price-alerts":      true,
	"bot-updates":       true,
	"portfolio-updates": true,
}

// UserChannel is the per-user private channel name.
func UserChannel(userID string) string {
	return "user:" + userID
}

// CanSubscribe reports whether a connection authenticated as userID may
// subscribe to the channel. Public feeds are open to everyone; "user:"
// channels (and their sub-channels) only to their owner. Everything else,
// including the internal authenticated channel, is refused.
func CanSubscribe(userID, channel string) bool {
	if channel == "" || channel == ChannelAuthenticated {
		return false
	}
	if publicChannels[channel] {
		return true
	}
	if rest, ok := strings.CutPrefix(channel, "user:"); ok {
		return rest == userID || strings.HasPrefix(rest, userID+":")
	}
	return false
}
