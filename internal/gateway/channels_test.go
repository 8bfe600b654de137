package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanSubscribePublicChannels(t *testing.T) {
	for _, channel := range []string{
		"market-data", "trading-signals", "news",
		"price-alerts", "bot-updates", "portfolio-updates",
	} {
		assert.True(t, CanSubscribe("user-1", channel), channel)
	}
}

func TestCanSubscribeUserChannels(t *testing.T) {
	assert.True(t, CanSubscribe("user-1", "user:user-1"))
	assert.True(t, CanSubscribe("user-1", "user:user-1:alerts"))

	// Other users' channels are off limits.
	assert.False(t, CanSubscribe("user-1", "user:user-2"))
	assert.False(t, CanSubscribe("user-1", "user:user-2:alerts"))

	// Prefix tricks do not leak: user-12 is not user-1.
	assert.False(t, CanSubscribe("user-1", "user:user-12"))
}

func TestCanSubscribeRefusesUnknownAndInternal(t *testing.T) {
	assert.False(t, CanSubscribe("user-1", ""))
	assert.False(t, CanSubscribe("user-1", ChannelAuthenticated))
	assert.False(t, CanSubscribe("user-1", "admin-feed"))
	assert.False(t, CanSubscribe("user-1", "market-data-v2"))
}
