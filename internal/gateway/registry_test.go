package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(connID, userID string, now time.Time) *Client {
	return &Client{
		ConnID:       connID,
		UserID:       userID,
		ConnectedAt:  now,
		send:         make(chan outbound, 8),
		lastActivity: now,
	}
}

func TestRegistryOnlineOfflineTransitions(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	c1 := testClient("conn-1", "user-1", now)
	c2 := testClient("conn-2", "user-1", now)

	assert.True(t, r.Add(c1), "first connection brings the user online")
	assert.False(t, r.Add(c2), "second connection does not")
	assert.Equal(t, 2, r.Count())
	assert.Len(t, r.Connections("user-1"), 2)
	assert.Equal(t, []string{"user-1"}, r.ConnectedUserIDs())

	_, last := r.Remove("conn-1")
	assert.False(t, last, "one connection remains")

	removed, last := r.Remove("conn-2")
	require.NotNil(t, removed)
	assert.True(t, last, "last connection takes the user offline")
	assert.Empty(t, r.ConnectedUserIDs())

	// Removing again is a no-op.
	removed, last = r.Remove("conn-2")
	assert.Nil(t, removed)
	assert.False(t, last)
}

func TestRegistryChannelMembership(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	c1 := testClient("conn-1", "user-1", now)
	c2 := testClient("conn-2", "user-2", now)
	r.Add(c1)
	r.Add(c2)

	assert.True(t, r.Join("conn-1", "market-data"))
	assert.True(t, r.Join("conn-2", "market-data"))
	assert.True(t, r.Join("conn-1", "news"))
	assert.False(t, r.Join("no-such-conn", "market-data"))

	assert.Len(t, r.Subscribers("market-data"), 2)
	assert.Len(t, r.Subscribers("news"), 1)

	r.Leave("conn-1", "market-data")
	subs := r.Subscribers("market-data")
	require.Len(t, subs, 1)
	assert.Equal(t, "conn-2", subs[0].ConnID)

	// Removal clears channel membership too.
	r.Remove("conn-1")
	assert.Empty(t, r.Subscribers("news"))
}

func TestRegistryStaleClients(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	fresh := testClient("conn-fresh", "user-1", now)
	stale := testClient("conn-stale", "user-2", now.Add(-10*time.Minute))
	r.Add(fresh)
	r.Add(stale)

	got := r.StaleClients(now.Add(-5 * time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "conn-stale", got[0].ConnID)

	// Touching revives a connection.
	stale.Touch(now)
	assert.Empty(t, r.StaleClients(now.Add(-5*time.Minute)))
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	for i := 0; i < 3; i++ {
		c := testClient(fmt.Sprintf("conn-%d", i), fmt.Sprintf("user-%d", i), now)
		c.IP = "10.0.0.1"
		r.Add(c)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for _, conn := range snap {
		assert.Equal(t, "10.0.0.1", conn.IP)
		assert.Equal(t, now, conn.ConnectedAt)
	}
}
