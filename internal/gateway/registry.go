package gateway

import (
	"sync"
	"time"

	"realtime-service/internal/models"
)

// Registry is the in-memory connection arena: every live client, the
// identity index, and the channel subscription index, all under one lock.
// Connection state never outlives the process; clients reconnect and
// resubscribe after a restart.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Client
	byUser   map[string]map[string]*Client
	channels map[string]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
		channels: make(map[string]map[string]*Client),
	}
}

// Add registers a client and reports whether it is the user's first live
// connection (the user just came online).
func (r *Registry) Add(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ConnID] = c
	userConns := r.byUser[c.UserID]
	first := len(userConns) == 0
	if userConns == nil {
		userConns = make(map[string]*Client)
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ConnID] = c
	return first
}

// Remove drops a client from every index and reports whether it was the
// user's last live connection (the user just went offline). Safe to call
// twice; the second call returns (nil, false).
func (r *Registry) Remove(connID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)

	for channel, members := range r.channels {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}

	userConns := r.byUser[c.UserID]
	delete(userConns, connID)
	last := len(userConns) == 0
	if last {
		delete(r.byUser, c.UserID)
	}
	return c, last
}

// Join subscribes a connection to a channel. Joining twice is a no-op.
func (r *Registry) Join(connID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	members := r.channels[channel]
	if members == nil {
		members = make(map[string]*Client)
		r.channels[channel] = members
	}
	members[connID] = c
	return true
}

func (r *Registry) Leave(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.channels[channel]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

// Subscribers snapshots the members of a channel.
func (r *Registry) Subscribers(channel string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Connections snapshots a user's live connections.
func (r *Registry) Connections(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.byUser[userID]
	out := make([]*Client, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// ConnectedUserIDs lists users with at least one live connection.
func (r *Registry) ConnectedUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	return out
}

// StaleClients returns connections with no activity since the cutoff.
func (r *Registry) StaleClients(cutoff time.Time) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot exports connection metadata, for diagnostics.
func (r *Registry) Snapshot() []models.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, models.Connection{
			ConnID:       c.ConnID,
			UserID:       c.UserID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity(),
			IP:           c.IP,
			UserAgent:    c.UserAgent,
			Origin:       c.Origin,
		})
	}
	return out
}
